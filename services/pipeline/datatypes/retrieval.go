// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
)

// =============================================================================
// Routing
// =============================================================================

// RoutingDecision is the Intent Router's verdict for one message.
//
// Namespaces is an ordered set: order is meaningful (higher classifier
// weight first, declaration order breaking ties) and entries are unique.
// Namespaces is empty only when NeedsRetrieval is false.
type RoutingDecision struct {
	Intent         string   `json:"intent"`
	Confidence     float64  `json:"confidence"`
	Namespaces     []string `json:"namespaces"`
	NeedsRetrieval bool     `json:"needs_retrieval"`
}

// =============================================================================
// Passages and Citations
// =============================================================================

// RetrievedPassage is one unit of source text returned by namespace search.
//
// Score is on the namespace's own [0, 1] scale; the pipeline only assumes
// higher-is-better. Title, URL, and Timestamp are optional and used solely
// for citation formatting.
type RetrievedPassage struct {
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	Namespace string  `json:"namespace"`
	Title     string  `json:"title,omitempty"`
	URL       string  `json:"url,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// SourceIdentity returns the deduplication key for the passage: the exact
// URL when present, otherwise a hash of the passage text.
func (p RetrievedPassage) SourceIdentity() string {
	if p.URL != "" {
		return p.URL
	}
	sum := sha256.Sum256([]byte(p.Text))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Citation points a response back at a retrieved passage that was included
// in the prompt context. Index is the 1-based position of the passage in
// the context block.
type Citation struct {
	Index     int     `json:"index"`
	Namespace string  `json:"namespace"`
	Title     string  `json:"title,omitempty"`
	URL       string  `json:"url,omitempty"`
	Score     float64 `json:"score"`
}

// CitationFor derives the citation for a passage at the given 1-based
// context position.
func CitationFor(index int, p RetrievedPassage) Citation {
	return Citation{
		Index:     index,
		Namespace: p.Namespace,
		Title:     p.Title,
		URL:       p.URL,
		Score:     p.Score,
	}
}
