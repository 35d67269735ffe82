// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// ===== SSE Writer =====

// SSEWriter writes pipeline stream events in Server-Sent Events wire
// format (event: type\ndata: json\n\n), flushing after every event.
//
// Each written event is linked into an integrity chain: its hash covers
// the content fields plus the previous event's hash, so a consumer can
// detect dropped or reordered events.
//
// # Thread Safety
//
// Safe for concurrent use. The pipeline emits from a single goroutine,
// but keepalive tickers may write concurrently.
type SSEWriter interface {
	WriteEvent(event datatypes.StreamEvent) error
}

// SetSSEHeaders prepares the response for event streaming. Call before
// the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter wraps the ResponseWriter. Fails when the writer cannot
// flush, which would silently buffer the whole stream.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash hashes the event's content fields together with the
// chain position. Call with the Hash field still empty.
func computeEventHash(event datatypes.StreamEvent) string {
	citationsJSON := ""
	if len(event.Citations) > 0 {
		if data, err := json.Marshal(event.Citations); err == nil {
			citationsJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.SessionId,
		event.ErrorKind,
		citationsJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}
