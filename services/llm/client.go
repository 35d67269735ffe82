// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm wraps the external LLM inference collaborator behind a small
// interface: constrained classification and streaming chat. Generation is
// always streamed; buffered callers accumulate the stream themselves.
package llm

import (
	"context"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// GenerationParams tunes a single generation call. Nil fields mean
// "backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// StreamEvent is one increment of a streaming generation.
//
// Exactly one event has Done=true; it closes the stream and carries the
// token usage when the backend reports it.
type StreamEvent struct {
	Content string
	Done    bool
	Usage   datatypes.TokenUsage
}

// StreamCallback receives stream events in production order.
//
// Returning a non-nil error aborts the stream; ChatStream returns that
// error. The callback must not retain the event past the call.
type StreamCallback func(event StreamEvent) error

// Classification is the result of a constrained label classification.
//
// Weights carries the classifier's per-label scores when the backend
// provides them; it may be nil, in which case only Label is scored.
type Classification struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Weights    map[string]float64 `json:"weights,omitempty"`
}

// LLMClient is the contract for any LLM backend used by the pipeline.
//
// Implementations must be safe for concurrent use; the orchestrator shares
// one client across all pipeline runs.
type LLMClient interface {
	// Classify assigns the text one of the given labels with a confidence
	// in [0, 1]. The label set always includes the pipeline's fallback
	// label; implementations must return one of the offered labels.
	Classify(ctx context.Context, text string, labels []string) (*Classification, error)

	// ChatStream generates a response incrementally, invoking callback for
	// each token in arrival order and once more with Done=true on normal
	// completion. A mid-stream backend failure returns the error without
	// the Done event; tokens already delivered stand.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
