// Package domain provides the core query types and canonical error types for
// the health companion.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypePayloadTooLarge indicates an upload exceeded the size limit.
	ErrorTypePayloadTooLarge ErrorType = "payload_too_large"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeBackendUnavailable indicates an upstream LLM could not serve the call.
	ErrorTypeBackendUnavailable ErrorType = "backend_unavailable"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeEmptyContent       ErrorCode = "empty_content"
	ErrorCodeMissingAttachment  ErrorCode = "missing_attachment"
	ErrorCodeUnexpectedFile     ErrorCode = "unexpected_attachment"
	ErrorCodeUnknownKind        ErrorCode = "unknown_kind"
	ErrorCodeBothBackendsFailed ErrorCode = "both_backends_failed"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrMalformedInput marks a caller contract violation.
	ErrMalformedInput = errors.New("malformed input")

	// ErrBothBackendsFailed is returned for text dispatches where neither
	// backend produced text.
	ErrBothBackendsFailed = errors.New("both backends failed")

	// ErrBackendUnavailable wraps any transport, status, or decoding failure
	// of a single backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// APIError represents a canonical API error that the HTTP layer renders as
// a JSON error body.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the sentinel the error was built from.
func (e *APIError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the sentinel returned by Unwrap.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrMalformed creates an invalid request error that matches ErrMalformedInput.
func ErrMalformed(code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message).
		WithCode(code).
		WithCause(ErrMalformedInput)
}

// ErrPayloadTooLarge creates a payload too large error.
func ErrPayloadTooLarge(message string) *APIError {
	return NewAPIError(ErrorTypePayloadTooLarge, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrUnableToProcess creates the server error surfaced when no backend
// produced text.
func ErrUnableToProcess(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message).
		WithCode(ErrorCodeBothBackendsFailed).
		WithCause(ErrBothBackendsFailed)
}

// AsAPIError converts any error into an APIError, defaulting to a server error.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, ErrMalformedInput) {
		return ErrInvalidRequest(err.Error()).WithCause(ErrMalformedInput)
	}
	if errors.Is(err, ErrBothBackendsFailed) {
		return ErrUnableToProcess("Unable to process your query at the moment")
	}
	return ErrServer("Internal server error").WithCause(err)
}
