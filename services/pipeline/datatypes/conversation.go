// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared value types threaded through the
// conversation pipeline: the per-request ConversationState, retrieved
// passages, routing decisions, and stream events.
//
// Types in this package carry no behavior beyond validation, defaulting,
// and small derivations. The pipeline stages (router, retriever, generator,
// moderation) receive these values and return updated copies or patches;
// only the orchestrator mutates a ConversationState.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Messages and History
// =============================================================================

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BoundHistory returns history limited to at most maxMessages entries,
// keeping the most recent ones. Order is preserved (most-recent-last).
// Non-positive maxMessages keeps everything.
func BoundHistory(history []Message, maxMessages int) []Message {
	if maxMessages <= 0 || len(history) <= maxMessages {
		return history
	}
	return history[len(history)-maxMessages:]
}

// =============================================================================
// Pipeline Stages and Terminal Status
// =============================================================================

// Stage identifies the pipeline stage a ConversationState is currently in.
type Stage string

const (
	StageInit       Stage = "init"
	StageRouting    Stage = "routing"
	StageRetrieving Stage = "retrieving"
	StageGenerating Stage = "generating"
	StageModerating Stage = "moderating"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// Terminal reports whether the stage is a terminal state of the pipeline.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// Status is the terminal outcome of a pipeline run, as surfaced to callers.
type Status string

const (
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// =============================================================================
// ConversationState
// =============================================================================

// ConversationState is the mutable record for one in-flight request.
//
// # Description
//
// One ConversationState exists per pipeline run. It is owned exclusively by
// the orchestrator for the duration of the run: stages receive the fields
// they need by value and return patches, and the orchestrator applies them.
// At a terminal stage the state is handed to the turn recorder (if any) and
// then discarded.
//
// # Thread Safety
//
// ConversationState is NOT safe for concurrent mutation. The single-writer
// discipline above is what makes concurrent pipeline runs safe: no two runs
// ever share a state instance.
type ConversationState struct {
	// Identity. Opaque to the pipeline, carried for persistence and logs.
	SessionID string
	MessageID string
	UserID    string

	// Input.
	Message string
	History []Message

	// Routing.
	Intent         string
	Confidence     float64
	Namespaces     []string
	NeedsRetrieval bool

	// Retrieval.
	Passages []RetrievedPassage

	// Generation.
	Response  string
	Citations []Citation
	Usage     TokenUsage

	// Safety. Blocked means Response carries the safe fallback instead of
	// a generated answer.
	Violations        []string
	RegenerationCount int
	Blocked           bool

	// Control.
	Stage     Stage
	Status    Status
	LastError error

	// StageHistory records every stage entered, in order. Diagnostics only;
	// transition logic never reads it.
	StageHistory []Stage

	StartedAt time.Time
}

// TokenUsage counts tokens consumed by a run, as reported by the LLM
// collaborator. Zero values when the backend does not report usage.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// NewConversationState creates the state for one pipeline run.
//
// A fresh message ID is assigned. History is bounded to maxTurns
// exchanges, two messages per turn (most recent kept); pass
// maxTurns <= 0 to keep all.
func NewConversationState(sessionID, userID, message string, history []Message, maxTurns int) *ConversationState {
	return &ConversationState{
		SessionID:    sessionID,
		MessageID:    uuid.NewString(),
		UserID:       userID,
		Message:      message,
		History:      BoundHistory(history, maxTurns*2),
		Stage:        StageInit,
		StageHistory: []Stage{StageInit},
		StartedAt:    time.Now(),
	}
}

// EnterStage moves the state to the given stage and records it in the
// stage history. Called only by the orchestrator.
func (s *ConversationState) EnterStage(stage Stage) {
	s.Stage = stage
	s.StageHistory = append(s.StageHistory, stage)
}

// StageEntries counts how many times the given stage was entered during
// this run. Used by tests to verify the regeneration bound.
func (s *ConversationState) StageEntries(stage Stage) int {
	n := 0
	for _, st := range s.StageHistory {
		if st == stage {
			n++
		}
	}
	return n
}
