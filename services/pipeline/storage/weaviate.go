// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

var tracer = otel.Tracer("concourse.pipeline.storage")

// turnClass is the Weaviate class holding completed exchanges.
const turnClass = "ConversationTurn"

// WeaviateStore persists turns as ConversationTurn objects.
type WeaviateStore struct {
	client *weaviate.Client
	logger *slog.Logger
}

var _ TurnRecorder = (*WeaviateStore)(nil)

func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{
		client: client,
		logger: slog.Default().With("component", "weaviate_store"),
	}
}

// EnsureSchema creates the ConversationTurn class if it is missing.
// Existing classes are left untouched.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	exists, err := s.client.Schema().ClassExistenceChecker().
		WithClassName(turnClass).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check %s class: %w", turnClass, err)
	}
	if exists {
		return nil
	}
	class := turnSchemaClass()
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create %s class: %w", turnClass, err)
	}
	s.logger.Info("created turn class", "class", turnClass)
	return nil
}

func (s *WeaviateStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	ctx, span := tracer.Start(ctx, "storage.save_turn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", record.SessionID))

	if strings.TrimSpace(record.Answer) == "" {
		return nil
	}

	props := map[string]interface{}{
		"session_id":        record.SessionID,
		"question":          record.Question,
		"answer":            record.Answer,
		"timestamp":         record.TimestampMs,
		"prompt_tokens":     record.Usage.PromptTokens,
		"completion_tokens": record.Usage.CompletionTokens,
	}
	if len(record.Citations) > 0 {
		encoded, err := json.Marshal(record.Citations)
		if err == nil {
			props["citations"] = string(encoded)
		}
	}

	_, err := s.client.Data().Creator().
		WithClassName(turnClass).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save turn for session %s: %w", record.SessionID, err)
	}

	s.logger.Debug("turn saved", "session_id", record.SessionID)
	return nil
}

// turnHit mirrors the GraphQL shape of one stored turn.
type turnHit struct {
	SessionID        string `json:"session_id"`
	Question         string `json:"question"`
	Answer           string `json:"answer"`
	Timestamp        int64  `json:"timestamp"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

func (s *WeaviateStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	ctx, span := tracer.Start(ctx, "storage.recent_turns")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Int("limit", limit))

	if sessionID == "" || limit <= 0 {
		return nil, nil
	}

	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "question"},
		{Name: "answer"},
		{Name: "timestamp"},
		{Name: "prompt_tokens"},
		{Name: "completion_tokens"},
	}

	// Newest first so the limit keeps the most recent turns, then
	// reversed back to chronological order for the prompt.
	sortBy := graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Desc}

	result, err := s.client.GraphQL().Get().
		WithClassName(turnClass).
		WithWhere(where).
		WithSort(sortBy).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query session history: %w", err)
	}
	if len(result.Errors) > 0 {
		msg := "unknown"
		if result.Errors[0] != nil {
			msg = result.Errors[0].Message
		}
		return nil, fmt.Errorf("query session history: graphql: %s", msg)
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal history response: %w", err)
	}
	var parsed struct {
		Get map[string][]turnHit `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal history response: %w", err)
	}

	hits := parsed.Get[turnClass]
	records := make([]TurnRecord, 0, len(hits))
	for i := len(hits) - 1; i >= 0; i-- {
		h := hits[i]
		if strings.TrimSpace(h.Question) == "" || strings.TrimSpace(h.Answer) == "" {
			continue
		}
		records = append(records, TurnRecord{
			SessionID:   h.SessionID,
			Question:    h.Question,
			Answer:      h.Answer,
			TimestampMs: h.Timestamp,
			Usage: datatypes.TokenUsage{
				PromptTokens:     h.PromptTokens,
				CompletionTokens: h.CompletionTokens,
			},
		})
	}

	span.SetAttributes(attribute.Int("turns_loaded", len(records)))
	return records, nil
}

// turnSchemaClass describes the ConversationTurn class. Turns are never
// vector-searched, only filtered by session, so the class carries no
// vectorizer.
func turnSchemaClass() *models.Class {
	return &models.Class{
		Class:      turnClass,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "session_id", DataType: []string{"text"}},
			{Name: "question", DataType: []string{"text"}},
			{Name: "answer", DataType: []string{"text"}},
			{Name: "citations", DataType: []string{"text"}},
			{Name: "timestamp", DataType: []string{"int"}},
			{Name: "prompt_tokens", DataType: []string{"int"}},
			{Name: "completion_tokens", DataType: []string{"int"}},
		},
	}
}
