// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborlight/concourse/services/pipeline"
	"github.com/harborlight/concourse/services/pipeline/config"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
	"github.com/harborlight/concourse/services/pipeline/generator"
	"github.com/harborlight/concourse/services/pipeline/moderation"
	"github.com/harborlight/concourse/services/pipeline/retriever"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type cannedRouter struct{}

func (cannedRouter) Route(ctx context.Context, message string, history []datatypes.Message) datatypes.RoutingDecision {
	return datatypes.RoutingDecision{Intent: "general", Confidence: 0.9, Namespaces: []string{"general"}, NeedsRetrieval: true}
}

type cannedRetriever struct{}

func (cannedRetriever) Retrieve(ctx context.Context, query string, namespaces []string) (*retriever.Result, error) {
	return &retriever.Result{Passages: []datatypes.RetrievedPassage{
		{Text: "Refunds take five days.", Score: 0.9, Namespace: "general", URL: "https://docs/refunds"},
	}}, nil
}

type cannedGenerator struct{}

func (cannedGenerator) Generate(ctx context.Context, req generator.Request, sink generator.TokenSink) (*generator.Result, error) {
	answer := "Refunds take five business days."
	if sink != nil {
		for _, tok := range strings.SplitAfter(answer, " ") {
			if tok == "" {
				continue
			}
			if err := sink(tok); err != nil {
				return nil, err
			}
		}
	}
	return &generator.Result{
		Text:      answer,
		Citations: []datatypes.Citation{{Index: 1, Namespace: "general", URL: "https://docs/refunds"}},
	}, nil
}

type cannedModerator struct{}

func (cannedModerator) Moderate(ctx context.Context, text string, regenerations int) moderation.Review {
	return moderation.Review{Verdict: moderation.VerdictApproved, Text: text}
}

func testEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	orch := pipeline.New(pipeline.Deps{
		Router:    cannedRouter{},
		Retriever: cannedRetriever{},
		Generator: cannedGenerator{},
		Moderator: cannedModerator{},
		Config:    store,
	})

	engine := gin.New()
	engine.POST("/v1/ask", HandleAsk(orch))
	engine.POST("/v1/ask/stream", HandleAskStream(orch))
	engine.GET("/healthz", HealthCheck)
	return engine
}

// =============================================================================
// Ask Handler Tests
// =============================================================================

func TestHandleAsk_Success(t *testing.T) {
	engine := testEngine(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(`{"message":"how long do refunds take?"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp datatypes.AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Refunds take five business days.", resp.Answer)
	assert.Equal(t, datatypes.StatusComplete, resp.Status)
	assert.NotEmpty(t, resp.SessionId)
	require.Len(t, resp.Citations, 1)
}

func TestHandleAsk_BadRequest(t *testing.T) {
	engine := testEngine(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"message":`},
		{name: "missing message", body: `{}`},
		{name: "unknown history role", body: `{"message":"q","history":[{"role":"narrator","content":"x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// TestHandleAskStream_EventSequence verifies the SSE response carries
// status, token, sources, and done frames in order.
func TestHandleAskStream_EventSequence(t *testing.T) {
	engine := testEngine(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/ask/stream", strings.NewReader(`{"message":"how long do refunds take?"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	var types []string
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		line, _, found := strings.Cut(frame, "\n")
		require.True(t, found)
		types = append(types, strings.TrimPrefix(line, "event: "))
	}

	assert.Equal(t, "status", types[0])
	assert.Contains(t, types, "token")
	assert.Contains(t, types, "sources")
	assert.Equal(t, "done", types[len(types)-1])

	assert.Contains(t, body, `"content":"Refunds take five business days."`)
}

func TestHealthCheck(t *testing.T) {
	engine := testEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
