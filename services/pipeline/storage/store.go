// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage persists completed conversation turns and serves
// recent session history back to the pipeline.
//
// Two backends exist: a Weaviate store for full deployments and a local
// Badger store for lightweight mode. Persistence is advisory; a failed
// save never fails the turn that produced it.
package storage

import (
	"context"
	"time"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// TurnRecord is one completed question/answer exchange.
type TurnRecord struct {
	SessionID   string               `json:"session_id"`
	Question    string               `json:"question"`
	Answer      string               `json:"answer"`
	Citations   []datatypes.Citation `json:"citations,omitempty"`
	Usage       datatypes.TokenUsage `json:"usage"`
	TimestampMs int64                `json:"timestamp"`
}

// NewTurnRecord stamps a record with the current time.
func NewTurnRecord(sessionID, question, answer string, citations []datatypes.Citation, usage datatypes.TokenUsage) TurnRecord {
	return TurnRecord{
		SessionID:   sessionID,
		Question:    question,
		Answer:      answer,
		Citations:   citations,
		Usage:       usage,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// Messages renders the record as a user/assistant message pair.
func (r TurnRecord) Messages() []datatypes.Message {
	return []datatypes.Message{
		{Role: datatypes.RoleUser, Content: r.Question},
		{Role: datatypes.RoleAssistant, Content: r.Answer},
	}
}

// TurnRecorder stores completed turns and loads recent ones.
type TurnRecorder interface {
	// SaveTurn persists one completed exchange. Records with an empty
	// answer are dropped silently.
	SaveTurn(ctx context.Context, record TurnRecord) error

	// RecentTurns returns up to limit turns for the session, oldest
	// first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
}

// HistoryMessages flattens records into the message form the pipeline
// consumes, oldest first.
func HistoryMessages(records []TurnRecord) []datatypes.Message {
	if len(records) == 0 {
		return nil
	}
	out := make([]datatypes.Message, 0, len(records)*2)
	for _, r := range records {
		out = append(out, r.Messages()...)
	}
	return out
}
