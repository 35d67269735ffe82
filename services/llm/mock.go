// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// Compile-time interface implementation check.
var _ LLMClient = (*MockClient)(nil)

// MockClient is a scriptable LLM client for tests.
//
// Responses stream token-by-token (split on spaces, separators preserved)
// so streaming consumers see realistic multi-event sequences. Safe for
// concurrent use.
type MockClient struct {
	mu sync.Mutex

	// ClassifyFunc overrides Classify when set.
	ClassifyFunc func(ctx context.Context, text string, labels []string) (*Classification, error)

	// Responses are streamed by ChatStream in order; the last one
	// repeats when the queue is exhausted.
	Responses []string

	// StreamErr, when set, is returned by ChatStream after emitting
	// FailAfterTokens tokens (a mid-stream failure).
	StreamErr       error
	FailAfterTokens int

	// Usage is reported on the Done event.
	Usage datatypes.TokenUsage

	calls int

	// Prompts records the message slices passed to ChatStream.
	Prompts [][]datatypes.Message
}

// Calls reports how many generation calls were made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) nextResponse(messages []datatypes.Message) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prompts = append(m.Prompts, messages)
	i := m.calls
	m.calls++
	if len(m.Responses) == 0 {
		return "mock response"
	}
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i]
}

// Classify implements LLMClient.
func (m *MockClient) Classify(ctx context.Context, text string, labels []string) (*Classification, error) {
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, text, labels)
	}
	if len(labels) == 0 {
		return &Classification{Label: "general", Confidence: 1}, nil
	}
	return &Classification{Label: labels[len(labels)-1], Confidence: 1}, nil
}

// ChatStream implements LLMClient.
func (m *MockClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	resp := m.nextResponse(messages)
	tokens := splitTokens(resp)
	for i, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.StreamErr != nil && i >= m.FailAfterTokens {
			return m.StreamErr
		}
		if err := callback(StreamEvent{Content: tok}); err != nil {
			return err
		}
	}
	if m.StreamErr != nil && m.FailAfterTokens >= len(tokens) {
		return m.StreamErr
	}
	return callback(StreamEvent{Done: true, Usage: m.Usage})
}

// splitTokens chops text into word-sized tokens, keeping the trailing
// space with each word so concatenation reproduces the input exactly.
func splitTokens(text string) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
