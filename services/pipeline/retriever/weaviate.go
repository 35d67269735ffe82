// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retriever

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// NamespaceSearcher issues one similarity search against one namespace's
// collection.
type NamespaceSearcher interface {
	// Search returns passages with certainty >= threshold, best first.
	// The namespace field of returned passages is left empty; the
	// retriever stamps it.
	Search(ctx context.Context, class string, vector []float32, topK int, threshold float64) ([]datatypes.RetrievedPassage, error)
}

// Compile-time interface implementation check.
var _ NamespaceSearcher = (*WeaviateSearcher)(nil)

// WeaviateSearcher implements NamespaceSearcher on a Weaviate instance
// with one class per namespace.
//
// Expected class schema: content (text), title (text), url (text),
// timestamp (int). Certainty from the nearVector search is used as the
// [0, 1] similarity score.
type WeaviateSearcher struct {
	client *weaviate.Client
}

// NewWeaviateSearcher wraps an existing Weaviate client.
func NewWeaviateSearcher(client *weaviate.Client) *WeaviateSearcher {
	return &WeaviateSearcher{client: client}
}

// passageHit mirrors one object of the GraphQL Get response.
type passageHit struct {
	Content    string `json:"content"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Timestamp  int64  `json:"timestamp"`
	Additional struct {
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

// Search implements NamespaceSearcher.
func (s *WeaviateSearcher) Search(ctx context.Context, class string, vector []float32, topK int, threshold float64) ([]datatypes.RetrievedPassage, error) {
	ctx, span := tracer.Start(ctx, "WeaviateSearcher.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("weaviate.class", class),
		attribute.Int("weaviate.top_k", topK),
	)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithCertainty(float32(threshold))

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "title"},
		{Name: "url"},
		{Name: "timestamp"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search returned errors: %v", result.Errors[0].Message)
	}

	hits, err := parseHits(result.Data, class)
	if err != nil {
		return nil, err
	}

	passages := make([]datatypes.RetrievedPassage, 0, len(hits))
	for _, h := range hits {
		score := 0.0
		if h.Additional.Certainty != nil {
			score = *h.Additional.Certainty
		}
		// The server applies the certainty cutoff; keep a client-side
		// guard for backends that ignore it.
		if score < threshold {
			continue
		}
		passages = append(passages, datatypes.RetrievedPassage{
			Text:      h.Content,
			Score:     score,
			Title:     h.Title,
			URL:       h.URL,
			Timestamp: h.Timestamp,
		})
	}

	span.SetAttributes(attribute.Int("weaviate.hits", len(passages)))
	return passages, nil
}

// parseHits extracts the typed object list for one class from the
// loosely-typed GraphQL response via a JSON round-trip.
func parseHits(data interface{}, class string) ([]passageHit, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode graphql response: %w", err)
	}

	var parsed struct {
		Get map[string][]passageHit `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse graphql response: %w", err)
	}
	return parsed.Get[class], nil
}
