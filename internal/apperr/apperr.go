// Package apperr defines the stable error kinds surfaced to callers of the engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, caller-visible error classification.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindInvalidTransition  Kind = "INVALID_TRANSITION"
	KindConflict           Kind = "CONFLICT"
	KindNotFound           Kind = "NOT_FOUND"
	KindProvisionerTimeout Kind = "PROVISIONER_TIMEOUT"
	KindProvisionerError   Kind = "PROVISIONER_ERROR"
	KindUnavailable        Kind = "UNAVAILABLE"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrProvisionerTimeout = &Error{Kind: KindProvisionerTimeout}
	ErrProvisionerError   = &Error{Kind: KindProvisionerError}
	ErrUnavailable        = &Error{Kind: KindUnavailable}
)

// Error carries a kind, a human-readable message, and optional details.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels above work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation returns a ValidationError with optional violation details.
func Validation(message string, details any) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailsOf returns the details attached to err, if any.
func DetailsOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// MessageOf returns the caller-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "An unexpected error occurred"
}
