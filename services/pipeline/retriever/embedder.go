// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/harborlight/concourse/services/pipeline/config"
)

// Embedder turns query text into the vector handed to namespace search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Compile-time interface implementation check.
var _ Embedder = (*OpenAIEmbedder)(nil)

// OpenAIEmbedder embeds queries via an OpenAI-compatible embedding
// endpoint, wrapped in langchaingo's embedder. Safe for concurrent use.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	timeout  time.Duration
}

// NewOpenAIEmbedder builds an embedder from the embedding config.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		// Local OpenAI-compatible embedding servers ignore the token.
		opts = append(opts, openai.WithToken("none"))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap embedder: %w", err)
	}

	slog.Info("Initializing embedding client", "model", cfg.Model, "baseURL", cfg.BaseURL)
	return &OpenAIEmbedder{embedder: embedder, timeout: cfg.Timeout}, nil
}

// Embed implements Embedder. Each call carries the configured embedding
// timeout on top of the caller's cancellation.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	return vector, nil
}
