// Package errorsx defines the publisher core's error taxonomy.
//
// Errors are classified by Kind rather than by Go type, so that every
// collaborator on the retry/propagation path (queue adapter, breaker,
// limiter, metrics) can make a routing decision from one field.
package errorsx

import (
	"fmt"

	goerrors "github.com/go-faster/errors"
)

// Kind classifies an error for routing purposes: retry decisions, alert
// severity, and terminal-vs-transient handling all key off it.
type Kind string

const (
	KindReauthRequired Kind = "REAUTH_REQUIRED"
	KindValidation     Kind = "VALIDATION_ERROR"
	KindAuth           Kind = "AUTH_ERROR"
	KindPermission     Kind = "PERMISSION_DENIED"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindServerError    Kind = "SERVER_ERROR"
	KindCircuitOpen    Kind = "CIRCUIT_OPEN"
	KindJobBusy        Kind = "JOB_BUSY"
	KindTransientIO    Kind = "TRANSIENT_IO"
	KindTokenRefreshed Kind = "TOKEN_REFRESH_FAILED"
)

// retryable holds the per-kind retryability table: rate limiting, server
// errors, an open circuit, transient I/O, and a failed token refresh are
// all worth retrying; everything else is terminal for the current attempt.
var retryable = map[Kind]bool{
	KindReauthRequired: false,
	KindValidation:     false,
	KindAuth:           false,
	KindPermission:     false,
	KindRateLimited:    true,
	KindServerError:    true,
	KindCircuitOpen:    true,
	KindJobBusy:        false,
	KindTransientIO:    true,
	KindTokenRefreshed: true,
}

// Error is the publisher core's operational error: an operation,
// component, and resource identifying where it happened, plus a Kind
// for routing decisions.
type Error struct {
	Kind      Kind
	Operation string
	Component string
	Resource  string
	Cause     error

	// RetryAfter carries an upstream-supplied retry hint in seconds, when
	// present.
	RetryAfter int
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("failed to %s", e.Operation)
	if e.Component != "" {
		msg += fmt.Sprintf(", component: %s", e.Component)
	}
	if e.Resource != "" {
		msg += fmt.Sprintf(", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(", cause: %s", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the queue adapter should schedule a retry for
// this error's Kind.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return retryable[e.Kind]
}

// RateLimited reports whether this error represents an upstream rate-limit
// response, satisfying pkg/cache's RateLimitedError interface so the
// stale-on-429 fallback can recognize it without a type assertion on the
// underlying transport error.
func (e *Error) RateLimited() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindRateLimited
}

// New builds an *Error, wrapping cause with go-faster/errors so stack
// context survives across package boundaries.
func New(kind Kind, operation, component, resource string, cause error) *Error {
	if cause != nil {
		cause = goerrors.Wrap(cause, operation)
	}
	return &Error{Kind: kind, Operation: operation, Component: component, Resource: resource, Cause: cause}
}

// WithRetryAfter attaches a retry-after hint (seconds) and returns the
// receiver for chaining.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; returns "" otherwise.
func KindOf(err error) Kind {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's Kind matches k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether err's Kind is retryable. A nil error or one
// with no classified Kind is not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
