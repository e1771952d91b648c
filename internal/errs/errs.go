// Package errs defines the stable error taxonomy shared across the runtime.
//
// Every subsystem maps its failures onto one of these kinds so callers can
// make a single retry/surface decision regardless of where the error
// originated.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	// KindValidation marks user-fixable input errors. Never retried.
	KindValidation Kind = iota

	// KindConfiguration marks missing or corrupt configuration. Never retried.
	KindConfiguration

	// KindAuthentication marks rejected or forbidden credentials.
	KindAuthentication

	// KindLLM marks provider errors not classified as transient.
	KindLLM

	// KindRuntime marks unexpected invariant violations.
	KindRuntime

	// KindDB marks warehouse or metadata store failures.
	KindDB

	// KindTransient marks provider or network hiccups eligible for retry.
	KindTransient

	// KindCanceled marks cooperative cancellation. Not propagated as an error
	// event; a single cancellation message is emitted instead.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindLLM:
		return "llm"
	case KindRuntime:
		return "runtime"
	case KindDB:
		return "db"
	case KindTransient:
		return "transient"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// Error is a classified runtime error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation creates a user-fixable input error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Configuration creates a configuration error.
func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, format, args...)
}

// Runtime creates an unexpected invariant violation error.
func Runtime(format string, args ...any) *Error {
	return New(KindRuntime, format, args...)
}

// DB creates a warehouse or metadata store error.
func DB(format string, args ...any) *Error {
	return New(KindDB, format, args...)
}

// Transient creates a retryable error.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// Canceled is returned when cooperative cancellation is observed.
var Canceled = &Error{Kind: KindCanceled, Msg: "Operation cancelled"}

// KindOf returns the kind of err, or KindRuntime for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var f *FilterSizeLimitExceededError
	if errors.As(err, &f) {
		return KindValidation
	}
	return KindRuntime
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsCanceled reports whether err is a cooperative cancellation.
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}

// UserPrefix returns the user-visible prefix for an error kind, e.g.
// "Validation Error". The chat service prepends this before surfacing.
func UserPrefix(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return "Validation Error"
	case KindConfiguration:
		return "Configuration Error"
	case KindAuthentication:
		return "Authentication Error"
	case KindLLM:
		return "LLM Error"
	case KindDB:
		return "Database Error"
	default:
		return "Error"
	}
}

// FilterSizeLimitExceededError is raised when semantic session filters exceed
// the warehouse session-variable budget. It is surfaced before any warehouse
// round-trip.
type FilterSizeLimitExceededError struct {
	Database   string
	SizeBytes  int
	LimitBytes int
}

func (e *FilterSizeLimitExceededError) Error() string {
	return fmt.Sprintf(
		"session filters for database %q total %d bytes, exceeding the %d byte limit",
		e.Database, e.SizeBytes, e.LimitBytes,
	)
}
