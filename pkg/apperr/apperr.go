// Package apperr defines the error kinds surfaced to API callers.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a stable, machine readable error category.
type Kind string

const (
	KindValidation           Kind = "VALIDATION_ERROR"
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindNotFound             Kind = "NOT_FOUND"
	KindNoActiveConnection   Kind = "NO_ACTIVE_CONNECTION"
	KindUnsupportedBroker    Kind = "UNSUPPORTED_BROKER"
	KindBrokerNotImplemented Kind = "BROKER_NOT_IMPLEMENTED"
	KindMissingVerifier      Kind = "MISSING_VERIFIER"
	KindInvalidState         Kind = "INVALID_STATE"
	KindTokenExchangeFailed  Kind = "TOKEN_EXCHANGE_FAILED"
	KindTokenRefreshFailed   Kind = "TOKEN_REFRESH_FAILED"
	KindNoRefreshToken       Kind = "NO_REFRESH_TOKEN"
	KindReconnectRequired    Kind = "RECONNECT_REQUIRED"
	KindRateLimitExceeded    Kind = "RATE_LIMIT_EXCEEDED"
	KindSymbolNotFound       Kind = "SYMBOL_NOT_FOUND"
	KindNoAccountFound       Kind = "NO_ACCOUNT_FOUND"
	KindBrokerRejected       Kind = "BROKER_REJECTED"
	KindDuplicateOrder       Kind = "DUPLICATE_ORDER"
	KindBrokerUnavailable    Kind = "BROKER_UNAVAILABLE"
	KindInternal             Kind = "INTERNAL_ERROR"
)

// FieldError names one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the typed error carried through the service layers.
type Error struct {
	Kind       Kind
	Message    string
	Fields     []FieldError
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and caller-safe message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation builds a validation error listing the offending fields.
func Validation(fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: "request validation failed", Fields: fields}
}

// RateLimited builds a rate limit error reporting how long the caller must wait.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    "rate limit exceeded, try again later",
		RetryAfter: retryAfter,
	}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is untyped.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	if e, ok := As(err); ok {
		return e.Message
	}
	return err.Error()
}

// Retryable reports whether a failed job should be attempted again.
// Untyped errors are treated as transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBrokerUnavailable, KindTokenRefreshFailed, KindInternal, KindRateLimitExceeded:
		return true
	default:
		return false
	}
}
