// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline drives one conversation turn through routing,
// retrieval, generation, and moderation.
//
// # Description
//
// The orchestrator is a state machine over ConversationState:
//
//	Init -> Routing -> [Retrieving] -> Generating -> Moderating -> {Complete, Error}
//
// with a Moderating -> Generating back-edge bounded by the regeneration
// budget. Each run owns its state exclusively; concurrent sessions are
// concurrent runs with nothing shared but the collaborators, which are
// safe for concurrent use.
//
// Degraded outcomes (failed classification, partial or empty retrieval)
// keep the run moving and answer without grounding. Only generation
// failure and cancellation are terminal errors, and both surface through
// the same uniform error path: the state reaches Error, then Complete,
// and the caller sees a fixed fallback message with an error kind, never
// a raw internal error.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborlight/concourse/services/pipeline/config"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
	"github.com/harborlight/concourse/services/pipeline/generator"
	"github.com/harborlight/concourse/services/pipeline/moderation"
	"github.com/harborlight/concourse/services/pipeline/observability"
	"github.com/harborlight/concourse/services/pipeline/retriever"
	"github.com/harborlight/concourse/services/pipeline/router"
	"github.com/harborlight/concourse/services/pipeline/storage"
)

var tracer = otel.Tracer("concourse.pipeline")

// persistTimeout bounds the fire-and-forget turn save after a run
// completes.
const persistTimeout = 10 * time.Second

// ===== Collaborator Interfaces =====

// IntentRouter decides where a message goes. Never fails; degraded
// classification yields the fallback decision.
type IntentRouter interface {
	Route(ctx context.Context, message string, history []datatypes.Message) datatypes.RoutingDecision
}

// ContextRetriever gathers grounding passages. Errors only on
// cancellation.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, namespaces []string) (*retriever.Result, error)
}

// ResponseGenerator runs one streaming generation attempt.
type ResponseGenerator interface {
	Generate(ctx context.Context, req generator.Request, sink generator.TokenSink) (*generator.Result, error)
}

// AnswerModerator reviews one generated answer.
type AnswerModerator interface {
	Moderate(ctx context.Context, text string, regenerations int) moderation.Review
}

var _ IntentRouter = (*router.Router)(nil)
var _ ContextRetriever = (*retriever.Retriever)(nil)
var _ ResponseGenerator = (*generator.Generator)(nil)
var _ AnswerModerator = (*moderation.Moderator)(nil)

// EventSink receives the run's outward event stream: status markers,
// tokens in arrival order, sources, and exactly one terminal done or
// error event. A sink error means the caller is gone and cancels the
// run.
type EventSink func(datatypes.StreamEvent) error

// ===== Orchestrator =====

// Deps wires the orchestrator's collaborators. Recorder and Metrics may
// be nil; Config must not be.
type Deps struct {
	Router    IntentRouter
	Retriever ContextRetriever
	Generator ResponseGenerator
	Moderator AnswerModerator
	Recorder  storage.TurnRecorder
	Metrics   *observability.PipelineMetrics
	Config    *config.Store
}

// Orchestrator drives pipeline runs. Safe for concurrent use; each Run
// call is independent.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		logger: slog.Default().With("component", "orchestrator"),
	}
}

// Outcome is one finished run: the final state plus the caller-facing
// response derived from it.
type Outcome struct {
	State    *datatypes.ConversationState
	Response *datatypes.AskResponse
}

// ===== Run =====

// Run executes one conversation turn. It never returns an error: every
// failure becomes a terminal Error -> Complete transition and a
// response carrying a fixed fallback message and an error kind.
//
// When sink is non-nil, the run streams status, token, and sources
// events through it and finishes with exactly one done or error event.
// Tokens arrive in generation order. A revise verdict emits a
// "revising" status event; everything streamed before it belongs to the
// discarded attempt and the final answer is carried whole on the done
// event.
func (o *Orchestrator) Run(ctx context.Context, req *datatypes.AskRequest, sink EventSink) *Outcome {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()

	cfg := o.deps.Config.Snapshot()
	req.EnsureDefaults()
	sessionID := req.EnsureSessionId()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if o.deps.Metrics != nil {
		o.deps.Metrics.RunStarted()
		defer o.deps.Metrics.RunEnded()
	}

	history := req.History
	if len(history) == 0 && o.deps.Recorder != nil {
		history = o.loadHistory(ctx, sessionID, cfg.Storage.HistoryTurns)
	}

	state := datatypes.NewConversationState(sessionID, req.UserId, req.Message, history, cfg.Routing.MaxHistoryTurns)

	perr := o.advance(ctx, cfg, state, sink)
	if perr != nil {
		state.EnterStage(datatypes.StageError)
		state.Status = datatypes.StatusError
		state.LastError = perr
		state.Response = perr.Message
		state.Citations = nil
		o.logger.Error("pipeline run failed",
			"session_id", sessionID,
			"kind", string(perr.Kind),
			"error", perr.Err)
		span.RecordError(perr, trace.WithAttributes(attribute.String("error_kind", string(perr.Kind))))
		span.SetStatus(codes.Error, string(perr.Kind))
	} else {
		state.Status = datatypes.StatusComplete
	}
	state.EnterStage(datatypes.StageComplete)

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRun(string(state.Status), state.Blocked)
		o.deps.Metrics.RecordTokens(state.Usage.PromptTokens, state.Usage.CompletionTokens)
	}

	if perr == nil && !state.Blocked {
		o.persistTurn(ctx, state)
	}

	resp := o.buildResponse(req, state)
	o.emitTerminal(sink, state, resp)

	o.logger.Info("pipeline run finished",
		"session_id", sessionID,
		"status", string(state.Status),
		"blocked", state.Blocked,
		"intent", state.Intent,
		"regenerations", state.RegenerationCount,
		"duration", time.Since(state.StartedAt))

	return &Outcome{State: state, Response: resp}
}

// advance walks the state machine up to (but not including) the
// terminal transition. A nil return is an approved or blocked answer;
// both complete normally.
func (o *Orchestrator) advance(ctx context.Context, cfg *config.Config, state *datatypes.ConversationState, sink EventSink) *PipelineError {
	// Routing.
	if err := o.enterStage(state, datatypes.StageRouting, sink); err != nil {
		return err
	}
	routeStart := time.Now()
	decision := o.deps.Router.Route(ctx, state.Message, state.History)
	o.observeStage("routing", routeStart)
	if err := ctx.Err(); err != nil {
		return newPipelineError(KindCanceled, err)
	}

	state.Intent = decision.Intent
	state.Confidence = decision.Confidence
	state.Namespaces = decision.Namespaces
	state.NeedsRetrieval = decision.NeedsRetrieval
	if decision.Intent == "" {
		// Classification failed outright; the fallback namespace carries
		// the turn.
		o.logger.Warn("routing degraded to fallback",
			"session_id", state.SessionID,
			"kind", string(KindRoutingDegraded))
	}

	// Retrieval, unless the intent answers without grounding.
	if decision.NeedsRetrieval && len(decision.Namespaces) > 0 {
		if err := o.enterStage(state, datatypes.StageRetrieving, sink); err != nil {
			return err
		}
		retrieveStart := time.Now()
		result, err := o.deps.Retriever.Retrieve(ctx, state.Message, decision.Namespaces)
		o.observeStage("retrieving", retrieveStart)
		if err != nil {
			return newPipelineError(KindCanceled, err)
		}
		state.Passages = result.Passages
		o.noteRetrievalHealth(state, result)
	}

	// Generation and moderation, with the bounded revise back-edge.
	revisionHint := ""
	for {
		if err := o.enterStage(state, datatypes.StageGenerating, sink); err != nil {
			return err
		}

		var sinkErr error
		tokenSink := func(token string) error {
			if sink == nil {
				return nil
			}
			ev := datatypes.NewStreamEvent(datatypes.StreamEventToken).
				WithContent(token).
				WithSession(state.SessionID)
			if err := sink(ev); err != nil {
				sinkErr = err
				return err
			}
			return nil
		}

		// The attempt carries its own timeout; its expiry is a generation
		// failure, not a run cancellation, which only the parent context
		// signals.
		genCtx := ctx
		var cancelGen context.CancelFunc
		if cfg.LLM.GenerateTimeout > 0 {
			genCtx, cancelGen = context.WithTimeout(ctx, cfg.LLM.GenerateTimeout)
		}
		generateStart := time.Now()
		result, err := o.deps.Generator.Generate(genCtx, generator.Request{
			Message:      state.Message,
			History:      state.History,
			Passages:     state.Passages,
			RevisionHint: revisionHint,
		}, tokenSink)
		if cancelGen != nil {
			cancelGen()
		}
		o.observeStage("generating", generateStart)
		if err != nil {
			if ctx.Err() != nil || sinkErr != nil {
				return newPipelineError(KindCanceled, err)
			}
			var streamErr *generator.StreamError
			if errors.As(err, &streamErr) {
				// The partial text is discarded with the error; nothing
				// half-generated ever reaches moderation or the caller's
				// terminal event.
				o.logger.Warn("generation stream truncated",
					"session_id", state.SessionID,
					"partial_chars", len(streamErr.Partial))
			}
			return newPipelineError(KindGenerationFailed, err)
		}

		state.Response = result.Text
		state.Citations = result.Citations
		state.Usage.PromptTokens += result.Usage.PromptTokens
		state.Usage.CompletionTokens += result.Usage.CompletionTokens

		// Moderation.
		if err := o.enterStage(state, datatypes.StageModerating, sink); err != nil {
			return err
		}
		moderateStart := time.Now()
		review := o.deps.Moderator.Moderate(ctx, result.Text, state.RegenerationCount)
		o.observeStage("moderating", moderateStart)
		if err := ctx.Err(); err != nil {
			return newPipelineError(KindCanceled, err)
		}
		state.Violations = mergeCategories(state.Violations, review.Categories)

		switch review.Verdict {
		case moderation.VerdictApproved:
			state.Response = review.Text
			return nil

		case moderation.VerdictRevise:
			state.RegenerationCount++
			revisionHint = review.RevisionHint
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordRegeneration()
			}
			// Everything streamed so far belongs to the discarded
			// attempt.
			if err := o.emitStatus(sink, state.SessionID, "revising"); err != nil {
				return newPipelineError(KindCanceled, err)
			}

		case moderation.VerdictBlocked:
			state.Response = review.Text
			state.Blocked = true
			kind := KindSafetyBlocked
			cause := "rule"
			if review.Exhausted {
				kind = KindRegenerationExhausted
				cause = "exhausted"
			}
			state.LastError = newPipelineError(kind, nil)
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordBlocked(cause)
			}
			return nil
		}
	}
}

// ===== Helpers =====

// enterStage advances the state and emits the matching status event.
// A sink failure converts to cancellation.
func (o *Orchestrator) enterStage(state *datatypes.ConversationState, stage datatypes.Stage, sink EventSink) *PipelineError {
	state.EnterStage(stage)
	if err := o.emitStatus(sink, state.SessionID, string(stage)); err != nil {
		return newPipelineError(KindCanceled, err)
	}
	return nil
}

func (o *Orchestrator) observeStage(stage string, start time.Time) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordStage(stage, time.Since(start).Seconds())
	}
}

func (o *Orchestrator) emitStatus(sink EventSink, sessionID, message string) error {
	if sink == nil {
		return nil
	}
	ev := datatypes.NewStreamEvent(datatypes.StreamEventStatus).
		WithMessage(message).
		WithSession(sessionID)
	return sink(ev)
}

// emitTerminal sends the sources event (when citations exist) and the
// single terminal event. Sink errors here are ignored; the run is
// already finished.
func (o *Orchestrator) emitTerminal(sink EventSink, state *datatypes.ConversationState, resp *datatypes.AskResponse) {
	if sink == nil {
		return
	}
	if state.Status == datatypes.StatusError {
		ev := datatypes.NewStreamEvent(datatypes.StreamEventError).
			WithMessage(resp.Answer).
			WithSession(state.SessionID)
		ev.Status = datatypes.StatusError
		ev.ErrorKind = resp.ErrorKind
		_ = sink(ev)
		return
	}
	if len(resp.Citations) > 0 {
		_ = sink(datatypes.NewStreamEvent(datatypes.StreamEventSources).
			WithSession(state.SessionID).
			WithCitations(resp.Citations))
	}
	done := datatypes.NewStreamEvent(datatypes.StreamEventDone).
		WithContent(resp.Answer).
		WithSession(state.SessionID).
		WithCitations(resp.Citations)
	done.Status = state.Status
	done.Blocked = state.Blocked
	done.ErrorKind = resp.ErrorKind
	_ = sink(done)
}

func (o *Orchestrator) buildResponse(req *datatypes.AskRequest, state *datatypes.ConversationState) *datatypes.AskResponse {
	turnCount := len(state.History)/2 + 1
	resp := datatypes.NewAskResponse(state.SessionID, state.Response, state.Citations, turnCount)
	resp.Id = req.Id
	resp.Status = state.Status
	resp.Blocked = state.Blocked
	resp.Usage = state.Usage
	if state.LastError != nil {
		resp.ErrorKind = string(KindOf(state.LastError))
	}
	return resp
}

// loadHistory pulls recent turns for the session. Failures degrade to
// an empty history.
func (o *Orchestrator) loadHistory(ctx context.Context, sessionID string, limit int) []datatypes.Message {
	records, err := o.deps.Recorder.RecentTurns(ctx, sessionID, limit)
	if err != nil {
		o.logger.Warn("session history load failed, starting fresh",
			"session_id", sessionID,
			"error", err)
		return nil
	}
	return storage.HistoryMessages(records)
}

// persistTurn hands the finished exchange to the recorder without
// blocking the response path. The save outlives the request context.
func (o *Orchestrator) persistTurn(ctx context.Context, state *datatypes.ConversationState) {
	if o.deps.Recorder == nil {
		return
	}
	record := storage.NewTurnRecord(state.SessionID, state.Message, state.Response, state.Citations, state.Usage)
	saveCtx := context.WithoutCancel(ctx)
	go func() {
		saveCtx, cancel := context.WithTimeout(saveCtx, persistTimeout)
		defer cancel()
		if err := o.deps.Recorder.SaveTurn(saveCtx, record); err != nil {
			o.logger.Warn("turn save failed",
				"session_id", record.SessionID,
				"error", err)
		}
	}()
}

// noteRetrievalHealth records degraded retrieval diagnostics. Neither
// condition stops the run.
func (o *Orchestrator) noteRetrievalHealth(state *datatypes.ConversationState, result *retriever.Result) {
	if len(result.FailedNamespaces) > 0 {
		o.logger.Warn("retrieval partial failure",
			"session_id", state.SessionID,
			"kind", string(KindRetrievalPartial),
			"failed_namespaces", result.FailedNamespaces)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordRetrievalFailure("partial")
		}
	}
	if len(result.Passages) == 0 {
		o.logger.Info("retrieval found no passages, answering without grounding",
			"session_id", state.SessionID,
			"kind", string(KindRetrievalEmpty))
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordRetrievalFailure("empty")
		}
	}
}

// mergeCategories unions category tags, preserving first-seen order.
func mergeCategories(existing, found []string) []string {
	seen := make(map[string]bool, len(existing))
	out := existing
	for _, c := range existing {
		seen[c] = true
	}
	for _, c := range found {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
