// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborlight/concourse/services/pipeline/config"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
	"github.com/harborlight/concourse/services/pipeline/generator"
	"github.com/harborlight/concourse/services/pipeline/moderation"
	"github.com/harborlight/concourse/services/pipeline/retriever"
	"github.com/harborlight/concourse/services/pipeline/storage"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type fakeRouter struct {
	decision datatypes.RoutingDecision
}

func (f *fakeRouter) Route(ctx context.Context, message string, history []datatypes.Message) datatypes.RoutingDecision {
	return f.decision
}

type fakeRetriever struct {
	result *retriever.Result
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, namespaces []string) (*retriever.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &retriever.Result{}, nil
}

// genAttempt scripts one generation attempt for the fake generator.
type genAttempt struct {
	text      string
	citations []datatypes.Citation
	err       error
}

type fakeGenerator struct {
	attempts []genAttempt
	requests []generator.Request
}

func (f *fakeGenerator) Generate(ctx context.Context, req generator.Request, sink generator.TokenSink) (*generator.Result, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i >= len(f.attempts) {
		i = len(f.attempts) - 1
	}
	a := f.attempts[i]
	if a.err != nil {
		return nil, a.err
	}
	if sink != nil {
		for _, tok := range strings.SplitAfter(a.text, " ") {
			if tok == "" {
				continue
			}
			if err := sink(tok); err != nil {
				return nil, err
			}
		}
	}
	return &generator.Result{
		Text:      a.text,
		Citations: a.citations,
		Usage:     datatypes.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

type fakeModerator struct {
	reviews []moderation.Review
	calls   int
}

func (f *fakeModerator) Moderate(ctx context.Context, text string, regenerations int) moderation.Review {
	i := f.calls
	f.calls++
	if i >= len(f.reviews) {
		i = len(f.reviews) - 1
	}
	r := f.reviews[i]
	if r.Verdict == moderation.VerdictApproved && r.Text == "" {
		r.Text = text
	}
	return r
}

type fakeRecorder struct {
	mu     sync.Mutex
	saved  []storage.TurnRecord
	recent []storage.TurnRecord
}

func (f *fakeRecorder) SaveTurn(ctx context.Context, record storage.TurnRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, record)
	return nil
}

func (f *fakeRecorder) RecentTurns(ctx context.Context, sessionID string, limit int) ([]storage.TurnRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

func (f *fakeRecorder) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// eventCollector records stream events and can fail on demand.
type eventCollector struct {
	events  []datatypes.StreamEvent
	failOn  datatypes.StreamEventType
	failErr error
}

func (c *eventCollector) sink(ev datatypes.StreamEvent) error {
	if c.failErr != nil && ev.Type == c.failOn {
		return c.failErr
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *eventCollector) ofType(t datatypes.StreamEventType) []datatypes.StreamEvent {
	var out []datatypes.StreamEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *eventCollector) statuses() []string {
	var out []string
	for _, ev := range c.ofType(datatypes.StreamEventStatus) {
		out = append(out, ev.Message)
	}
	return out
}

func testConfigStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	return store
}

func retrievalDecision() datatypes.RoutingDecision {
	return datatypes.RoutingDecision{
		Intent:         "billing",
		Confidence:     0.9,
		Namespaces:     []string{"billing"},
		NeedsRetrieval: true,
	}
}

func testDeps(t *testing.T) (Deps, *fakeRouter, *fakeRetriever, *fakeGenerator, *fakeModerator) {
	t.Helper()
	rt := &fakeRouter{decision: retrievalDecision()}
	rv := &fakeRetriever{result: &retriever.Result{
		Passages: []datatypes.RetrievedPassage{
			{Text: "Refunds take five days.", Score: 0.9, Namespace: "billing", URL: "https://docs/refunds"},
		},
	}}
	gen := &fakeGenerator{attempts: []genAttempt{{
		text:      "Refunds take five business days.",
		citations: []datatypes.Citation{{Index: 1, Namespace: "billing", URL: "https://docs/refunds"}},
	}}}
	mod := &fakeModerator{reviews: []moderation.Review{{Verdict: moderation.VerdictApproved}}}

	return Deps{
		Router:    rt,
		Retriever: rv,
		Generator: gen,
		Moderator: mod,
		Config:    testConfigStore(t),
	}, rt, rv, gen, mod
}

// =============================================================================
// Run Tests
// =============================================================================

// TestRun_HappyPath verifies the full stage sequence, the streamed
// event order, and the terminal response.
func TestRun_HappyPath(t *testing.T) {
	deps, _, _, _, _ := testDeps(t)
	orch := New(deps)
	collector := &eventCollector{}

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "how long do refunds take?"}, collector.sink)

	resp := outcome.Response
	assert.Equal(t, datatypes.StatusComplete, resp.Status)
	assert.Equal(t, "Refunds take five business days.", resp.Answer)
	assert.False(t, resp.Blocked)
	assert.Empty(t, resp.ErrorKind)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, 1, resp.TurnCount)
	assert.Equal(t, 10, resp.Usage.PromptTokens)

	assert.Equal(t, []datatypes.Stage{
		datatypes.StageInit,
		datatypes.StageRouting,
		datatypes.StageRetrieving,
		datatypes.StageGenerating,
		datatypes.StageModerating,
		datatypes.StageComplete,
	}, outcome.State.StageHistory)

	assert.Equal(t, []string{"routing", "retrieving", "generating", "moderating"}, collector.statuses())

	tokens := collector.ofType(datatypes.StreamEventToken)
	var streamed strings.Builder
	for _, ev := range tokens {
		streamed.WriteString(ev.Content)
	}
	assert.Equal(t, resp.Answer, streamed.String())

	require.Len(t, collector.ofType(datatypes.StreamEventSources), 1)
	done := collector.ofType(datatypes.StreamEventDone)
	require.Len(t, done, 1)
	assert.Equal(t, resp.Answer, done[0].Content)
	assert.Equal(t, datatypes.StatusComplete, done[0].Status)
	assert.Equal(t, collector.events[len(collector.events)-1].Type, datatypes.StreamEventDone, "done closes the stream")
}

// TestRun_SkipRetrieval verifies short-form intents bypass the
// retrieving stage entirely.
func TestRun_SkipRetrieval(t *testing.T) {
	deps, rt, rv, _, _ := testDeps(t)
	rt.decision = datatypes.RoutingDecision{Intent: "greeting", Confidence: 0.95, NeedsRetrieval: false}
	orch := New(deps)

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "hi"}, nil)

	assert.Equal(t, datatypes.StatusComplete, outcome.Response.Status)
	assert.Equal(t, 0, rv.calls)
	assert.Equal(t, 0, outcome.State.StageEntries(datatypes.StageRetrieving))
}

// TestRun_Regeneration verifies the revise back-edge: a second
// generation attempt with the hint, a "revising" status marker, and a
// terminal answer from the second attempt only.
func TestRun_Regeneration(t *testing.T) {
	deps, _, _, gen, mod := testDeps(t)
	gen.attempts = []genAttempt{
		{text: "a rude first draft"},
		{text: "a polite second draft"},
	}
	mod.reviews = []moderation.Review{
		{Verdict: moderation.VerdictRevise, RevisionHint: "Be polite.", Categories: []string{"tone"}},
		{Verdict: moderation.VerdictApproved},
	}
	orch := New(deps)
	collector := &eventCollector{}

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "q"}, collector.sink)

	assert.Equal(t, "a polite second draft", outcome.Response.Answer)
	assert.Equal(t, 2, outcome.State.StageEntries(datatypes.StageGenerating))
	assert.Equal(t, 1, outcome.State.RegenerationCount)
	assert.Equal(t, []string{"tone"}, outcome.State.Violations)

	require.Len(t, gen.requests, 2)
	assert.Empty(t, gen.requests[0].RevisionHint)
	assert.Equal(t, "Be polite.", gen.requests[1].RevisionHint)

	assert.Contains(t, collector.statuses(), "revising")
	done := collector.ofType(datatypes.StreamEventDone)
	require.Len(t, done, 1)
	assert.Equal(t, "a polite second draft", done[0].Content, "done carries the final answer whole")
}

// TestRun_Blocked verifies a blocked answer completes normally with the
// blocked flag, an error kind, and no persisted turn.
func TestRun_Blocked(t *testing.T) {
	deps, _, _, _, mod := testDeps(t)
	recorder := &fakeRecorder{}
	deps.Recorder = recorder
	mod.reviews = []moderation.Review{{
		Verdict:    moderation.VerdictBlocked,
		Text:       "I can't help with that request.",
		Categories: []string{"dangerous"},
	}}
	orch := New(deps)

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "q"}, nil)

	resp := outcome.Response
	assert.Equal(t, datatypes.StatusComplete, resp.Status, "blocked is a normal completion")
	assert.True(t, resp.Blocked)
	assert.Equal(t, "I can't help with that request.", resp.Answer)
	assert.Equal(t, string(KindSafetyBlocked), resp.ErrorKind)
	assert.Equal(t, 0, outcome.State.StageEntries(datatypes.StageError))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, recorder.savedCount(), "blocked turns are not persisted")
}

// TestRun_RegenerationExhausted verifies a spent budget surfaces its
// own error kind on an otherwise complete response.
func TestRun_RegenerationExhausted(t *testing.T) {
	deps, _, _, gen, mod := testDeps(t)
	gen.attempts = []genAttempt{{text: "draft"}, {text: "still rude"}}
	mod.reviews = []moderation.Review{
		{Verdict: moderation.VerdictRevise, RevisionHint: "Be polite."},
		{Verdict: moderation.VerdictBlocked, Text: "I can't help with that request.", Exhausted: true},
	}
	orch := New(deps)

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "q"}, nil)

	assert.Equal(t, datatypes.StatusComplete, outcome.Response.Status)
	assert.True(t, outcome.Response.Blocked)
	assert.Equal(t, string(KindRegenerationExhausted), outcome.Response.ErrorKind)
	assert.Equal(t, 2, outcome.State.StageEntries(datatypes.StageGenerating))
}

// TestRun_GenerationFailure verifies the uniform terminal error surface:
// Error then Complete, a fixed fallback answer, no citations, no save.
func TestRun_GenerationFailure(t *testing.T) {
	deps, _, _, gen, _ := testDeps(t)
	recorder := &fakeRecorder{}
	deps.Recorder = recorder
	gen.attempts = []genAttempt{{err: &generator.StreamError{Err: errors.New("connection reset"), Partial: "half an ans"}}}
	orch := New(deps)
	collector := &eventCollector{}

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "q"}, collector.sink)

	resp := outcome.Response
	assert.Equal(t, datatypes.StatusError, resp.Status)
	assert.Equal(t, string(KindGenerationFailed), resp.ErrorKind)
	assert.Equal(t, fallbackMessage(KindGenerationFailed), resp.Answer)
	assert.Empty(t, resp.Citations)
	assert.NotContains(t, resp.Answer, "connection reset", "raw internal errors never reach callers")

	history := outcome.State.StageHistory
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, datatypes.StageError, history[len(history)-2])
	assert.Equal(t, datatypes.StageComplete, history[len(history)-1])

	errEvents := collector.ofType(datatypes.StreamEventError)
	require.Len(t, errEvents, 1)
	assert.Equal(t, resp.Answer, errEvents[0].Message)
	assert.Equal(t, string(KindGenerationFailed), errEvents[0].ErrorKind)
	assert.Empty(t, collector.ofType(datatypes.StreamEventDone))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, recorder.savedCount(), "failed turns are not persisted")
}

// deadlineGenerator records whether its context carried a deadline and
// fails with that deadline's error while the run itself stays alive.
type deadlineGenerator struct {
	sawDeadline bool
}

func (g *deadlineGenerator) Generate(ctx context.Context, req generator.Request, sink generator.TokenSink) (*generator.Result, error) {
	_, g.sawDeadline = ctx.Deadline()
	return nil, fmt.Errorf("generation failed: %w", context.DeadlineExceeded)
}

// TestRun_GenerationTimeout verifies the attempt carries the configured
// generation deadline and that its expiry reads as a generation
// failure, never a canceled run.
func TestRun_GenerationTimeout(t *testing.T) {
	deps, _, _, _, _ := testDeps(t)
	gen := &deadlineGenerator{}
	deps.Generator = gen
	orch := New(deps)

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "q"}, nil)

	assert.True(t, gen.sawDeadline, "attempt context carries the generation timeout")
	assert.Equal(t, datatypes.StatusError, outcome.Response.Status)
	assert.Equal(t, string(KindGenerationFailed), outcome.Response.ErrorKind)
}

// TestRun_Canceled verifies cancellation surfaces as its own error
// kind through the same terminal path.
func TestRun_Canceled(t *testing.T) {
	deps, _, _, _, _ := testDeps(t)
	orch := New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := orch.Run(ctx, &datatypes.AskRequest{Message: "q"}, nil)

	assert.Equal(t, datatypes.StatusError, outcome.Response.Status)
	assert.Equal(t, string(KindCanceled), outcome.Response.ErrorKind)
}

// TestRun_SinkFailureCancels verifies a dead client (sink error on a
// token) terminates the run as canceled rather than a model failure.
func TestRun_SinkFailureCancels(t *testing.T) {
	deps, _, _, _, _ := testDeps(t)
	orch := New(deps)
	collector := &eventCollector{failOn: datatypes.StreamEventToken, failErr: errors.New("client went away")}

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "q"}, collector.sink)

	assert.Equal(t, datatypes.StatusError, outcome.Response.Status)
	assert.Equal(t, string(KindCanceled), outcome.Response.ErrorKind)
}

// TestRun_DegradedRoutingContinues verifies a failed classification
// (empty intent, fallback namespace) still completes the turn.
func TestRun_DegradedRoutingContinues(t *testing.T) {
	deps, rt, _, _, _ := testDeps(t)
	rt.decision = datatypes.RoutingDecision{
		Intent:         "",
		Confidence:     0,
		Namespaces:     []string{"general"},
		NeedsRetrieval: true,
	}
	orch := New(deps)

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "q"}, nil)

	assert.Equal(t, datatypes.StatusComplete, outcome.Response.Status)
	assert.Empty(t, outcome.Response.ErrorKind)
}

// TestRun_EmptyRetrievalContinues verifies an all-failed retrieval
// answers without grounding instead of erroring.
func TestRun_EmptyRetrievalContinues(t *testing.T) {
	deps, _, rv, gen, _ := testDeps(t)
	rv.result = &retriever.Result{FailedNamespaces: []string{"billing"}}
	gen.attempts = []genAttempt{{text: "ungrounded answer"}}
	orch := New(deps)

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{Message: "q"}, nil)

	assert.Equal(t, datatypes.StatusComplete, outcome.Response.Status)
	assert.Equal(t, "ungrounded answer", outcome.Response.Answer)
	assert.Empty(t, outcome.Response.Citations)
	require.Len(t, gen.requests, 1)
	assert.Empty(t, gen.requests[0].Passages)
}

// TestRun_PersistsCompletedTurn verifies a successful turn reaches the
// recorder with question, answer, and usage.
func TestRun_PersistsCompletedTurn(t *testing.T) {
	deps, _, _, _, _ := testDeps(t)
	recorder := &fakeRecorder{}
	deps.Recorder = recorder
	orch := New(deps)

	outcome := orch.Run(context.Background(), &datatypes.AskRequest{
		Message:   "how long do refunds take?",
		SessionId: "sess_fixed",
		History:   []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}, {Role: datatypes.RoleAssistant, Content: "hello"}},
	}, nil)

	require.Eventually(t, func() bool { return recorder.savedCount() == 1 }, time.Second, 5*time.Millisecond)

	recorder.mu.Lock()
	record := recorder.saved[0]
	recorder.mu.Unlock()
	assert.Equal(t, "sess_fixed", record.SessionID)
	assert.Equal(t, "how long do refunds take?", record.Question)
	assert.Equal(t, outcome.Response.Answer, record.Answer)
	assert.Equal(t, 10, record.Usage.PromptTokens)
	assert.Equal(t, 2, outcome.Response.TurnCount, "one prior exchange plus this turn")
}

// TestRun_LoadsHistoryFromRecorder verifies a request without history
// pulls the session's recent turns before generating.
func TestRun_LoadsHistoryFromRecorder(t *testing.T) {
	deps, _, _, gen, _ := testDeps(t)
	recorder := &fakeRecorder{recent: []storage.TurnRecord{
		storage.NewTurnRecord("sess_fixed", "what plans exist?", "Basic and Pro.", nil, datatypes.TokenUsage{}),
	}}
	deps.Recorder = recorder
	orch := New(deps)

	orch.Run(context.Background(), &datatypes.AskRequest{Message: "what about fees?", SessionId: "sess_fixed"}, nil)

	require.Len(t, gen.requests, 1)
	history := gen.requests[0].History
	require.Len(t, history, 2)
	assert.Equal(t, "what plans exist?", history[0].Content)
	assert.Equal(t, "Basic and Pro.", history[1].Content)
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestMergeCategories(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		found    []string
		want     []string
	}{
		{name: "both empty", want: nil},
		{name: "fresh categories", found: []string{"medical", "tone"}, want: []string{"medical", "tone"}},
		{
			name:     "union preserves first-seen order",
			existing: []string{"tone"},
			found:    []string{"medical", "tone"},
			want:     []string{"tone", "medical"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeCategories(tt.existing, tt.found))
		})
	}
}
