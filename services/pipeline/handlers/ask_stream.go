// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/harborlight/concourse/services/pipeline"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// HandleAskStream answers one question as a Server-Sent Events stream.
//
// # Description
//
// Emits status events as the pipeline changes stage, token events in
// generation order, a sources event when citations exist, and exactly
// one terminal done or error event. A "revising" status event means the
// tokens streamed before it belong to a discarded attempt; the done
// event always carries the complete final answer.
//
// Request:
//
//	POST /v1/ask/stream
//	Accept: text/event-stream
//	{"message": "What is OAuth?", "session_id": "sess-abc"}
//
// Response (SSE stream):
//
//	event: status
//	data: {"type":"status","message":"routing",...}
//
//	event: token
//	data: {"type":"token","content":"OAuth",...}
//
//	event: done
//	data: {"type":"done","content":"OAuth is...","citations":[...],"status":"complete",...}
//
// # Limitations
//
//   - A client disconnect cancels the run; nothing is persisted for it.
func HandleAskStream(orch *pipeline.Orchestrator) gin.HandlerFunc {
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

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		orch.Run(c.Request.Context(), &req, writer.WriteEvent)
	}
}
