// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers adapts the pipeline to HTTP: a buffered ask endpoint,
// its streaming twin, and health checks. Everything semantic lives in
// the pipeline; handlers only translate.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/harborlight/concourse/services/pipeline"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// HandleAsk answers one question and returns the full response as JSON.
//
// # Description
//
// Runs the whole pipeline without streaming. Degraded and blocked
// outcomes are still HTTP 200; the response body carries status,
// blocked flag, and error kind. Only malformed requests get a 4xx.
//
// Request:
//
//	POST /v1/ask
//	{"message": "How do refunds work?", "session_id": "sess-abc", "history": [...]}
//
// Response:
//
//	{"id":"req_...","session_id":"sess-abc","answer":"...","citations":[...],"status":"complete","usage":{...}}
func HandleAsk(orch *pipeline.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		outcome := orch.Run(c.Request.Context(), &req, nil)

		slog.Debug("ask handled",
			"session_id", outcome.Response.SessionId,
			"status", string(outcome.Response.Status),
			"answer_preview", outcome.Response.Preview(80))

		c.JSON(http.StatusOK, outcome.Response)
	}
}
