// Package errors defines custom error types and error handling utilities for authgate.
// This package provides structured errors that carry a stable code, a human message,
// and an optional cause chain, so callers can classify failures without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure class
type ErrorCode string

const (
	// ErrCodeProviderUnavailable indicates a network failure or 5xx from the identity provider.
	// Transient: the polling loop retries on its next scheduled tick.
	ErrCodeProviderUnavailable ErrorCode = "provider_unavailable"

	// ErrCodeProviderRejected indicates the provider rejected the client configuration
	// (bad client id, scope, or audience). Fatal, never retried.
	ErrCodeProviderRejected ErrorCode = "provider_rejected"

	// ErrCodeStoreUnavailable indicates the session store failed the triggering operation.
	ErrCodeStoreUnavailable ErrorCode = "store_unavailable"

	// ErrCodeSessionNotFound indicates no session record exists for the chat identity.
	ErrCodeSessionNotFound ErrorCode = "session_not_found"

	// ErrCodeTransportFailure indicates the chat transport could not deliver a message.
	ErrCodeTransportFailure ErrorCode = "transport_failure"

	// ErrCodeInternal indicates an unexpected internal condition.
	ErrCodeInternal ErrorCode = "internal_error"
)

// ================================================================================
// Base Error Interface
// ================================================================================

// GateError is a structured error with a stable code and metadata
type GateError interface {
	error

	// Code returns the error classification code
	Code() ErrorCode

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause attaches a cause error to the chain
	WithCause(cause error) GateError

	// WithMetadata attaches additional context metadata
	WithMetadata(key string, value interface{}) GateError

	// Metadata returns all attached metadata
	Metadata() map[string]interface{}
}

// baseError is the internal implementation of GateError
type baseError struct {
	code     ErrorCode
	message  string
	cause    error
	metadata map[string]interface{}
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Code() ErrorCode { return e.code }

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) WithCause(cause error) GateError {
	e.cause = cause
	return e
}

func (e *baseError) WithMetadata(key string, value interface{}) GateError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

func (e *baseError) Metadata() map[string]interface{} { return e.metadata }

// ================================================================================
// Constructors
// ================================================================================

// New creates a GateError with the given code and message
func New(code ErrorCode, message string) GateError {
	return &baseError{code: code, message: message}
}

// Wrap wraps err into a GateError with the given code and message
func Wrap(err error, code ErrorCode, message string) GateError {
	return &baseError{code: code, message: message, cause: err}
}

// ErrProviderUnavailable creates a provider_unavailable error
func ErrProviderUnavailable(message string) GateError {
	return New(ErrCodeProviderUnavailable, message)
}

// ErrProviderRejected creates a provider_rejected error
func ErrProviderRejected(message string) GateError {
	return New(ErrCodeProviderRejected, message)
}

// ErrStoreUnavailable creates a store_unavailable error
func ErrStoreUnavailable(op string, cause error) GateError {
	return Wrap(cause, ErrCodeStoreUnavailable, fmt.Sprintf("session store %s failed", op))
}

// ErrSessionNotFound creates a session_not_found error for the given chat identity
func ErrSessionNotFound(chatID int64) GateError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("no session for chat %d", chatID)).
		WithMetadata("chat_id", chatID)
}

// ================================================================================
// Classification Utilities
// ================================================================================

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal for foreign errors
func CodeOf(err error) ErrorCode {
	var ge GateError
	if errors.As(err, &ge) {
		return ge.Code()
	}
	return ErrCodeInternal
}

// IsTransient reports whether err should be retried on the next scheduled tick
func IsTransient(err error) bool {
	return CodeOf(err) == ErrCodeProviderUnavailable
}

// IsNotFound reports whether err means the session record does not exist
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeSessionNotFound
}

// IsStoreFailure reports whether err originated in the session store
func IsStoreFailure(err error) bool {
	return CodeOf(err) == ErrCodeStoreUnavailable
}
