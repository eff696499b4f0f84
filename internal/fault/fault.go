// Package fault defines the typed error taxonomy shared across components.
// Every fallible operation returns an error whose Kind the caller can
// inspect to decide between retry, fallback, and surfacing.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for control-flow decisions.
type Kind string

const (
	// Input errors.
	KindInvalidQuery    Kind = "invalid_query"
	KindSessionNotFound Kind = "session_not_found"

	// Storage errors.
	KindConnectionLost    Kind = "connection_lost"
	KindTimeout           Kind = "timeout"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindIntegrity         Kind = "integrity_error"

	// Embedder / completion errors.
	KindTransient        Kind = "transient"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindUnauthorized     Kind = "unauthorized"
	KindContentFiltered  Kind = "content_filtered"
	KindModelUnavailable Kind = "model_unavailable"

	// Retrieval conditions.
	KindNoIndex Kind = "no_index"

	// Admission control.
	KindOverloaded Kind = "overloaded"

	// Anything uncategorized.
	KindInternal Kind = "internal"
)

// Error carries a kind alongside a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, walking the unwrap chain.
// Untyped errors report KindInternal; nil reports an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a local retry is worthwhile for err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindConnectionLost:
		return true
	}
	return false
}
