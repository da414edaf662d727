// Package apperr defines the three-tier error taxonomy used by the
// fulfillment pipeline: structural errors are never retried, business
// errors are never retried but carry a user-facing code, and transient
// errors are retried until the attempt budget runs out.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions.
type Kind int

const (
	KindTransient Kind = iota
	KindStructural
	KindBusiness
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindBusiness:
		return "business"
	default:
		return "transient"
	}
}

// Error carries a kind, an optional user-facing code, and the cause.
type Error struct {
	kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Structuralf builds a structural error: bad input that no amount of
// retrying can fix.
func Structuralf(format string, args ...any) error {
	return &Error{kind: KindStructural, Code: "invalid_job", Message: fmt.Sprintf(format, args...)}
}

// Business builds a terminal business failure with a stable code for
// user-facing reporting (insufficient_funds, provider_rejected, ...).
func Business(code, message string) error {
	return &Error{kind: KindBusiness, Code: code, Message: message}
}

// Businessf is Business with formatting.
func Businessf(code, format string, args ...any) error {
	return &Error{kind: KindBusiness, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps an unexpected collaborator failure so the retry
// policy re-enqueues it.
func Transient(cause error, message string) error {
	return &Error{kind: KindTransient, Code: "processing_error", Message: message, cause: cause}
}

// Transientf is Transient with formatting. The cause comes last.
func Transientf(cause error, format string, args ...any) error {
	return &Error{kind: KindTransient, Code: "processing_error", Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf classifies any error. Unknown errors and deadline expiry
// count as transient: an unexpected collaborator failure must be
// retried, not silently dropped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindTransient
}

// IsTimeout reports whether the error came from the per-job deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// CodeOf returns the user-facing code, or "processing_error" when the
// error carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "processing_error"
}
