// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generator produces the grounded answer for a conversation turn.
//
// It assembles a persona prompt with an indexed context block built from
// the retrieved passages, streams the model's tokens to the caller in
// arrival order, and reports citations for exactly the passages the
// prompt actually contained. A regeneration attempt is the same call with
// a revision instruction folded into the system message.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harborlight/concourse/services/llm"
	"github.com/harborlight/concourse/services/pipeline/config"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

var tracer = otel.Tracer("concourse.pipeline.generator")

// ===== Types =====

// TokenSink receives generated tokens in arrival order. Returning an
// error aborts the stream; the caller's error is surfaced unchanged so
// the orchestrator can tell a closed client apart from a model failure.
type TokenSink func(token string) error

// Request carries everything one generation attempt needs. RevisionHint
// is empty on the first attempt and set by the moderator on a
// regeneration.
type Request struct {
	Message      string
	History      []datatypes.Message
	Passages     []datatypes.RetrievedPassage
	RevisionHint string
}

// Result is a completed generation attempt. Citations cover only the
// passages the prompt included, indexed in context order starting at 1.
type Result struct {
	Text      string
	Citations []datatypes.Citation
	Usage     datatypes.TokenUsage
}

// StreamError wraps a failure that happened after tokens were already
// emitted. Partial holds the accumulated text up to the failure so the
// orchestrator can discard it explicitly.
type StreamError struct {
	Err     error
	Partial string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("generation stream interrupted after %d chars: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Generator turns a routed, retrieved conversation turn into streamed
// answer text.
type Generator struct {
	client llm.LLMClient
	cfg    config.GenerationConfig
	logger *slog.Logger
}

// ===== Constructor =====

func New(client llm.LLMClient, cfg config.GenerationConfig) *Generator {
	return &Generator{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "generator"),
	}
}

// ===== Generation =====

// Generate runs one generation attempt, forwarding every token to sink
// as it arrives and returning the accumulated result.
//
// # Errors
//
// A failure before any token yields the transport error directly. A
// failure mid-stream yields a *StreamError carrying the partial text.
// An error returned by sink aborts the attempt and is passed through
// unwrapped. No retry happens here; regeneration is the moderator's
// decision, not a transport concern.
func (g *Generator) Generate(ctx context.Context, req Request, sink TokenSink) (*Result, error) {
	ctx, span := tracer.Start(ctx, "generator.generate")
	defer span.End()

	build := buildPrompt(g.cfg.Persona, req.Passages, req.History, req.Message, req.RevisionHint, g.cfg.MaxContextChars)
	span.SetAttributes(
		attribute.Int("passages.offered", len(req.Passages)),
		attribute.Int("passages.included", len(build.citations)),
		attribute.Bool("revision", req.RevisionHint != ""),
	)

	params := llm.GenerationParams{}
	if g.cfg.Temperature > 0 {
		t := float32(g.cfg.Temperature)
		params.Temperature = &t
	}
	if g.cfg.MaxTokens > 0 {
		n := g.cfg.MaxTokens
		params.MaxTokens = &n
	}

	var text strings.Builder
	var usage datatypes.TokenUsage
	started := time.Now()

	err := g.client.ChatStream(ctx, build.messages, params, func(ev llm.StreamEvent) error {
		if ev.Done {
			usage = ev.Usage
			return nil
		}
		if ev.Content == "" {
			return nil
		}
		text.WriteString(ev.Content)
		if sink != nil {
			return sink(ev.Content)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if text.Len() > 0 {
			return nil, &StreamError{Err: err, Partial: text.String()}
		}
		return nil, err
	}

	g.logger.Debug("generation attempt complete",
		"chars", text.Len(),
		"citations", len(build.citations),
		"revision", req.RevisionHint != "",
		"duration", time.Since(started))

	return &Result{
		Text:      text.String(),
		Citations: build.citations,
		Usage:     usage,
	}, nil
}
