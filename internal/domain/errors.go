package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies failures across the orchestrator. The split that
// matters operationally is retryable vs not: retryable errors are retried
// per item and surfaced with a backoff hint, the rest fail fast.
type ErrorKind string

const (
	ErrValidation            ErrorKind = "validation_error"
	ErrDependencyTimeout     ErrorKind = "dependency_timeout"
	ErrDependencyUnavailable ErrorKind = "dependency_unavailable"
	ErrCircuitOpen           ErrorKind = "circuit_open"
	ErrNotFound              ErrorKind = "not_found"
	ErrUnauthorized          ErrorKind = "unauthorized"
	ErrRateLimited           ErrorKind = "rate_limited"
	ErrInternal              ErrorKind = "internal_error"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"-"`
	cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error kind onto a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUnauthorized:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrCircuitOpen, ErrDependencyUnavailable:
		return http.StatusServiceUnavailable
	case ErrDependencyTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Validation creates a non-retryable caller-input error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Timeout creates a retryable dependency-timeout error.
func Timeout(dependency string, cause error) *Error {
	return &Error{
		Kind:      ErrDependencyTimeout,
		Message:   fmt.Sprintf("dependency %s timed out", dependency),
		Retryable: true,
		cause:     cause,
	}
}

// Unavailable creates a retryable dependency-unavailable error.
func Unavailable(dependency string, cause error) *Error {
	return &Error{
		Kind:      ErrDependencyUnavailable,
		Message:   fmt.Sprintf("dependency %s unavailable", dependency),
		Retryable: true,
		cause:     cause,
	}
}

// CircuitOpen creates the fail-fast error returned while a breaker is open.
// RetryAfter tells clients how long to back off before trying again.
func CircuitOpen(dependency string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       ErrCircuitOpen,
		Message:    fmt.Sprintf("circuit open for dependency %s", dependency),
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NotFound creates a not-found error for an unknown job or expired resource.
func NotFound(what string) *Error {
	return &Error{Kind: ErrNotFound, Message: what + " not found"}
}

// Unauthorized creates a token-mismatch error.
func Unauthorized(message string) *Error {
	return &Error{Kind: ErrUnauthorized, Message: message}
}

// RateLimited creates a retryable rate-limit error with a backoff hint.
func RateLimited(dependency string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       ErrRateLimited,
		Message:    fmt.Sprintf("dependency %s rate limited", dependency),
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// Internal wraps an unexpected error; not retryable.
func Internal(cause error) *Error {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: ErrInternal, Message: msg, cause: cause}
}

// AsError extracts a *Error from err's chain, wrapping unknown errors as
// internal so callers always get a classified error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsRetryable reports whether err should be retried per item.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
