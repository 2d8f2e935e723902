package apperr

import (
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Kind classifies failures so callers can decide how to react without string matching.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindExternal   Kind = "external"
	KindFatal      Kind = "fatal"
	KindInternal   Kind = "internal"
)

// Error is the typed error returned by core operations.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Cause satisfies the pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// Validation reports a trigger or request that is not acceptable in the current state.
func Validation(format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)})
}

// Conflict reports concurrent or duplicate mutation, e.g. a second pending checkpoint.
func Conflict(format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)})
}

// NotFound reports an unknown ticket, checkpoint, reviewer or draft.
func NotFound(format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)})
}

// External wraps a collaborator failure. Retryable failures leave the pipeline resumable.
func External(cause error, retryable bool, format string, args ...any) error {
	return errors.WithStack(&Error{
		Kind:      KindExternal,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		cause:     cause,
	})
}

// Fatal reports an unrecoverable step failure that drives the ticket to Failed.
func Fatal(cause error, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindFatal, Message: fmt.Sprintf(format, args...), cause: cause})
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is an external failure flagged as retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindExternal && e.Retryable
	}
	return false
}

// FromDB converts gorm lookups into typed errors, keeping everything else as a stacked error.
func FromDB(err error, what string, id any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound("%s %v not found", what, id)
	}
	return errors.WithStack(err)
}
