// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"fmt"
)

// ===== Error Kinds =====

// ErrorKind labels a pipeline failure for the caller. Kinds are part of
// the response surface, so their strings are stable.
type ErrorKind string

const (
	// KindRoutingDegraded marks a turn that fell back to the default
	// namespace because classification failed. Not terminal.
	KindRoutingDegraded ErrorKind = "routing_degraded"

	// KindRetrievalPartial marks a turn where some namespace searches
	// failed. Not terminal.
	KindRetrievalPartial ErrorKind = "retrieval_partial"

	// KindRetrievalEmpty marks a turn that expected context but found
	// none. Not terminal.
	KindRetrievalEmpty ErrorKind = "retrieval_empty"

	// KindGenerationFailed marks a turn whose generation attempt could
	// not complete. Terminal.
	KindGenerationFailed ErrorKind = "generation_failed"

	// KindSafetyBlocked marks a turn whose answer was replaced by the
	// safe fallback.
	KindSafetyBlocked ErrorKind = "safety_blocked"

	// KindRegenerationExhausted marks a block caused by a spent
	// regeneration budget rather than a block-severity rule.
	KindRegenerationExhausted ErrorKind = "regeneration_exhausted"

	// KindCanceled marks a turn abandoned by the caller.
	KindCanceled ErrorKind = "canceled"
)

// fallbackMessage is what callers see when a terminal failure leaves no
// usable answer. One fixed string per kind; internals stay in logs.
func fallbackMessage(kind ErrorKind) string {
	switch kind {
	case KindGenerationFailed:
		return "I wasn't able to produce an answer this time. Please try again."
	case KindCanceled:
		return "The request was canceled before an answer was ready."
	default:
		return "Something went wrong while answering. Please try again."
	}
}

// ===== Typed Errors =====

// PipelineError is the uniform failure type the orchestrator surfaces.
// Err holds the underlying cause for logs; Message is safe to show.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// newPipelineError wraps a cause with its kind and the caller-safe
// fallback text.
func newPipelineError(kind ErrorKind, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: fallbackMessage(kind), Err: err}
}

// KindOf extracts the error kind, or empty for non-pipeline errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsGenerationFailed reports whether err is a terminal generation
// failure.
func IsGenerationFailed(err error) bool {
	return KindOf(err) == KindGenerationFailed
}

// IsCanceled reports whether err is a caller cancellation.
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}
