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

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore persists turns to a local key-value store. It backs
// lightweight mode, where no Weaviate instance is reachable.
//
// Keys are "turn:<session>:<timestamp_ms>" with the timestamp
// zero-padded so lexical order is chronological order.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ TurnRecorder = (*BadgerStore)(nil)

// OpenBadgerStore opens (or creates) the store at dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open turn store at %s: %w", dir, err)
	}
	return &BadgerStore{
		db:     db,
		logger: slog.Default().With("component", "badger_store"),
	}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func turnKey(sessionID string, timestampMs int64) []byte {
	return []byte(fmt.Sprintf("turn:%s:%020d", sessionID, timestampMs))
}

func sessionPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("turn:%s:", sessionID))
}

func (s *BadgerStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if strings.TrimSpace(record.Answer) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(turnKey(record.SessionID, record.TimestampMs), encoded)
	})
	if err != nil {
		return fmt.Errorf("save turn for session %s: %w", record.SessionID, err)
	}
	s.logger.Debug("turn saved", "session_id", record.SessionID)
	return nil
}

func (s *BadgerStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if sessionID == "" || limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := sessionPrefix(sessionID)
	var newestFirst []TurnRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts just past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(newestFirst) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var record TurnRecord
				if err := json.Unmarshal(val, &record); err != nil {
					return err
				}
				newestFirst = append(newestFirst, record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load session history for %s: %w", sessionID, err)
	}

	// Chronological order for the prompt.
	records := make([]TurnRecord, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		records = append(records, newestFirst[i])
	}
	return records, nil
}
