// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborlight/concourse/services/llm"
	"github.com/harborlight/concourse/services/pipeline/config"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// =============================================================================
// Test Fixtures
// =============================================================================

func generationConfig() config.GenerationConfig {
	return config.GenerationConfig{
		Persona:         "You are a careful assistant.",
		MaxContextChars: 2000,
		Temperature:     0.2,
		MaxTokens:       512,
	}
}

func testPassages() []datatypes.RetrievedPassage {
	return []datatypes.RetrievedPassage{
		{Text: "Refunds take five business days.", Score: 0.9, Namespace: "billing", Title: "Refund policy", URL: "https://docs/refunds"},
		{Text: "Tracking numbers arrive by email.", Score: 0.8, Namespace: "shipping", URL: "https://docs/tracking"},
	}
}

// =============================================================================
// Generate Tests
// =============================================================================

// TestGenerate_StreamsAndAccumulates verifies tokens reach the sink in
// order and the result concatenates them exactly.
func TestGenerate_StreamsAndAccumulates(t *testing.T) {
	client := &llm.MockClient{
		Responses: []string{"Refunds take five business days."},
		Usage:     datatypes.TokenUsage{PromptTokens: 40, CompletionTokens: 8},
	}
	g := New(client, generationConfig())

	var streamed []string
	result, err := g.Generate(context.Background(), Request{Message: "how long do refunds take?"}, func(token string) error {
		streamed = append(streamed, token)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Refunds take five business days.", result.Text)
	assert.Equal(t, result.Text, strings.Join(streamed, ""), "sink sees exactly the result text")
	assert.Greater(t, len(streamed), 1, "response must stream as multiple tokens")
	assert.Equal(t, 40, result.Usage.PromptTokens)
	assert.Equal(t, 8, result.Usage.CompletionTokens)
}

// TestGenerate_NilSink verifies generation works without a streaming
// consumer.
func TestGenerate_NilSink(t *testing.T) {
	client := &llm.MockClient{Responses: []string{"plain answer"}}
	g := New(client, generationConfig())

	result, err := g.Generate(context.Background(), Request{Message: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain answer", result.Text)
}

// TestGenerate_CitationsMatchIncludedPassages verifies citations cover
// the context passages, indexed from 1.
func TestGenerate_CitationsMatchIncludedPassages(t *testing.T) {
	client := &llm.MockClient{Responses: []string{"answer"}}
	g := New(client, generationConfig())

	result, err := g.Generate(context.Background(), Request{
		Message:  "q",
		Passages: testPassages(),
	}, nil)
	require.NoError(t, err)

	require.Len(t, result.Citations, 2)
	assert.Equal(t, 1, result.Citations[0].Index)
	assert.Equal(t, "billing", result.Citations[0].Namespace)
	assert.Equal(t, "https://docs/refunds", result.Citations[0].URL)
	assert.Equal(t, 2, result.Citations[1].Index)
	assert.Equal(t, "shipping", result.Citations[1].Namespace)
}

// TestGenerate_MidStreamFailure verifies a failure after tokens were
// emitted surfaces as a StreamError carrying the partial text.
func TestGenerate_MidStreamFailure(t *testing.T) {
	client := &llm.MockClient{
		Responses:       []string{"one two three four"},
		StreamErr:       errors.New("connection reset"),
		FailAfterTokens: 2,
	}
	g := New(client, generationConfig())

	_, err := g.Generate(context.Background(), Request{Message: "q"}, nil)
	require.Error(t, err)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "one two ", streamErr.Partial)
	assert.ErrorContains(t, streamErr.Err, "connection reset")
}

// TestGenerate_FailureBeforeFirstToken verifies a failure with nothing
// emitted surfaces as the raw transport error.
func TestGenerate_FailureBeforeFirstToken(t *testing.T) {
	client := &llm.MockClient{
		Responses:       []string{"never delivered"},
		StreamErr:       errors.New("backend unavailable"),
		FailAfterTokens: 0,
	}
	g := New(client, generationConfig())

	_, err := g.Generate(context.Background(), Request{Message: "q"}, nil)
	require.Error(t, err)

	var streamErr *StreamError
	assert.False(t, errors.As(err, &streamErr), "no partial text means no StreamError")
	assert.ErrorContains(t, err, "backend unavailable")
}

// TestGenerate_SinkErrorPassesThrough verifies a sink error aborts the
// attempt unwrapped, so the caller can recognize its own sentinel.
func TestGenerate_SinkErrorPassesThrough(t *testing.T) {
	sentinel := errors.New("client went away")
	client := &llm.MockClient{Responses: []string{"one two three"}}
	g := New(client, generationConfig())

	_, err := g.Generate(context.Background(), Request{Message: "q"}, func(token string) error {
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

// TestGenerate_Canceled verifies cancellation surfaces as the context
// error, not a stream error.
func TestGenerate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &llm.MockClient{Responses: []string{"never"}}
	g := New(client, generationConfig())

	_, err := g.Generate(ctx, Request{Message: "q"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestGenerate_ParamsFromConfig verifies temperature and max tokens are
// forwarded from config.
func TestGenerate_ParamsFromConfig(t *testing.T) {
	var captured llm.GenerationParams
	client := &capturingClient{response: "ok", onParams: func(p llm.GenerationParams) { captured = p }}
	g := New(client, generationConfig())

	_, err := g.Generate(context.Background(), Request{Message: "q"}, nil)
	require.NoError(t, err)

	require.NotNil(t, captured.Temperature)
	assert.InDelta(t, 0.2, float64(*captured.Temperature), 1e-6)
	require.NotNil(t, captured.MaxTokens)
	assert.Equal(t, 512, *captured.MaxTokens)
}

// capturingClient records generation params; classification is unused.
type capturingClient struct {
	response string
	onParams func(llm.GenerationParams)
}

func (c *capturingClient) Classify(ctx context.Context, text string, labels []string) (*llm.Classification, error) {
	return &llm.Classification{Label: "general", Confidence: 1}, nil
}

func (c *capturingClient) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	c.onParams(params)
	if err := callback(llm.StreamEvent{Content: c.response}); err != nil {
		return err
	}
	return callback(llm.StreamEvent{Done: true})
}
