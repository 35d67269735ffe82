// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AskRequest
// =============================================================================

// AskRequest is the caller-facing request for one question.
type AskRequest struct {
	// Id uniquely identifies the request. Assigned by EnsureDefaults when
	// the caller did not provide one.
	Id string `json:"id,omitempty"`

	// Message is the user's question. Required.
	Message string `json:"message"`

	// SessionId threads the request into an existing session. Optional;
	// a new session ID is minted when absent.
	SessionId string `json:"session_id,omitempty"`

	// UserId is an opaque caller identity, carried for persistence only.
	UserId string `json:"user_id,omitempty"`

	// History is the recent conversation window, most-recent-last.
	// Optional; when empty and SessionId is set, the pipeline may load
	// recent turns from the turn store.
	History []Message `json:"history,omitempty"`

	// Timestamp is the request creation time in Unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// EnsureDefaults populates Id and Timestamp when absent.
func (r *AskRequest) EnsureDefaults() {
	if r.Id == "" {
		r.Id = "req_" + uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// EnsureSessionId returns the request's session ID, minting one when the
// caller did not supply it. The request is updated in place.
func (r *AskRequest) EnsureSessionId() string {
	if r.SessionId == "" {
		r.SessionId = "sess_" + uuid.NewString()
	}
	return r.SessionId
}

// Validate checks the request for structural problems. A whitespace-only
// message is accepted; classification decides what to do with it.
func (r *AskRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	for i, m := range r.History {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("history[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// =============================================================================
// AskResponse
// =============================================================================

// AskResponse is the caller-facing terminal result of a pipeline run.
//
// Status is always StatusComplete or StatusError; Blocked marks responses
// replaced by the safety fallback so callers can distinguish them in logs
// without the message text itself varying.
type AskResponse struct {
	Id        string     `json:"id"`
	SessionId string     `json:"session_id"`
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations,omitempty"`
	Status    Status     `json:"status"`
	Blocked   bool       `json:"blocked,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Usage     TokenUsage `json:"usage"`
	TurnCount int        `json:"turn_count"`
}

// NewAskResponse builds a response with a fresh ID.
func NewAskResponse(sessionID, answer string, citations []Citation, turnCount int) *AskResponse {
	return &AskResponse{
		Id:        "resp_" + uuid.NewString(),
		SessionId: sessionID,
		Answer:    answer,
		Citations: citations,
		Status:    StatusComplete,
		TurnCount: turnCount,
	}
}

// Preview returns the first n runes of the answer for logging. The full
// answer never goes to logs.
func (r *AskResponse) Preview(n int) string {
	runes := []rune(r.Answer)
	if len(runes) <= n {
		return r.Answer
	}
	return strings.TrimSpace(string(runes[:n])) + "..."
}
