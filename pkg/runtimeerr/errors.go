// Package runtimeerr defines the error taxonomy shared across the runtime.
//
// Components classify failures with these kinds so that transport code can
// translate them uniformly: repository misses become 404s, schema violations
// surface to clients, tool failures are converted into model-visible tool
// results, and everything else unwinds the turn.
package runtimeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error.
type Kind string

const (
	// KindNotFound is a repository miss. The core sees nil; transports map it
	// to HTTP 404.
	KindNotFound Kind = "not_found"

	// KindBadRequest is a schema or parameter violation surfaced to the client.
	KindBadRequest Kind = "bad_request"

	// KindToolFailed is a remote tool error envelope or execute exception.
	// Recovered locally: propagated to the model as a textual tool result.
	KindToolFailed Kind = "tool_failed"

	// KindCredentialUnavailable blocks the owning tool call and surfaces as a
	// tool failure.
	KindCredentialUnavailable Kind = "credential_unavailable"

	// KindModelTimeout means the abort deadline fired during a model call.
	KindModelTimeout Kind = "model_timeout"

	// KindModelError is a non-timeout model failure.
	KindModelError Kind = "model_error"

	// KindCancelled is a client disconnect or explicit cancel.
	KindCancelled Kind = "cancelled"

	// KindInternal is an unexpected failure, logged with detail and returned
	// as HTTP 500.
	KindInternal Kind = "internal"
)

// Error is a classified runtime error.
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

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a classification. Returns nil when err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

// ToolFailed builds a tool failure carrying the message the model should see.
func ToolFailed(message string, err error) *Error {
	return &Error{Kind: KindToolFailed, Message: message, Err: err}
}

// CredentialUnavailable builds a credential resolution failure.
func CredentialUnavailable(ref string, err error) *Error {
	return &Error{Kind: KindCredentialUnavailable, Message: fmt.Sprintf("credential reference %q", ref), Err: err}
}
