// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// Reranker reorders retrieval candidates by cross-query relevance.
//
// Rerank must behave as a pure reordering and truncation of candidates:
// it returns a subset of the input passages, content untouched, at most
// topK long. The retriever verifies this and discards results that
// violate it.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []datatypes.RetrievedPassage, topK int) ([]datatypes.RetrievedPassage, error)
}

// Compile-time interface implementation check.
var _ Reranker = (*HTTPReranker)(nil)

// HTTPReranker calls an external cross-encoder rerank endpoint.
//
// Wire contract (the usual cross-encoder server shape): POST {query,
// documents, top_k} returning {results: [{index, score}]} ordered by
// relevance. Indexes refer to positions in the submitted document list.
type HTTPReranker struct {
	url        string
	httpClient *http.Client
}

// NewHTTPReranker creates a reranker client for the given endpoint URL.
func NewHTTPReranker(url string, timeout time.Duration) *HTTPReranker {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPReranker{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// Rerank implements Reranker.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []datatypes.RetrievedPassage, topK int) ([]datatypes.RetrievedPassage, error) {
	docs := make([]string, len(candidates))
	for i, p := range candidates {
		docs[i] = p.Text
	}

	payload, err := json.Marshal(rerankRequest{Query: query, Documents: docs, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	out := make([]datatypes.RetrievedPassage, 0, topK)
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, fmt.Errorf("reranker returned out-of-range index %d", res.Index)
		}
		out = append(out, candidates[res.Index])
		if len(out) == topK {
			break
		}
	}
	return out, nil
}
