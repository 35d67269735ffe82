// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// StreamEventType discriminates events on the caller-facing stream.
type StreamEventType string

const (
	StreamEventStatus  StreamEventType = "status"
	StreamEventToken   StreamEventType = "token"
	StreamEventSources StreamEventType = "sources"
	StreamEventDone    StreamEventType = "done"
	StreamEventError   StreamEventType = "error"
)

// StreamEvent is one element of the lazy, finite, non-restartable event
// sequence a pipeline run emits to its caller.
//
// Token events arrive in LLM production order. The sequence ends with
// exactly one done or error event; done carries citations and status.
type StreamEvent struct {
	Id        string          `json:"id"`
	Type      StreamEventType `json:"type"`
	CreatedAt int64           `json:"created_at"`

	// Content is the token text for token events.
	Content string `json:"content,omitempty"`

	// Message is a human-readable status or error summary.
	Message string `json:"message,omitempty"`

	// Terminal payload, set on done events.
	Citations []Citation `json:"citations,omitempty"`
	SessionId string     `json:"session_id,omitempty"`
	Status    Status     `json:"status,omitempty"`
	Blocked   bool       `json:"blocked,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`

	// Integrity chain, populated by the SSE writer. Each event's hash
	// covers its content and the previous event's hash.
	Hash     string `json:"hash,omitempty"`
	PrevHash string `json:"prev_hash,omitempty"`
}

// NewStreamEvent creates an event of the given type with ID and timestamp
// populated.
func NewStreamEvent(t StreamEventType) StreamEvent {
	return StreamEvent{
		Id:        uuid.NewString(),
		Type:      t,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// WithContent sets the token content.
func (e StreamEvent) WithContent(content string) StreamEvent {
	e.Content = content
	return e
}

// WithMessage sets the status or error message.
func (e StreamEvent) WithMessage(message string) StreamEvent {
	e.Message = message
	return e
}

// WithSession sets the session ID.
func (e StreamEvent) WithSession(sessionID string) StreamEvent {
	e.SessionId = sessionID
	return e
}

// WithCitations sets the citation list for a done event.
func (e StreamEvent) WithCitations(citations []Citation) StreamEvent {
	e.Citations = citations
	return e
}
