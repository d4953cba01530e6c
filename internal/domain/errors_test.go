package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeServer, Code: ErrorCodeBothBackendsFailed, Message: "nothing came back"},
			expected: "server (both_backends_failed): nothing came back",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", &APIError{Type: ErrorTypeInvalidRequest}, http.StatusBadRequest},
		{"payload too large", &APIError{Type: ErrorTypePayloadTooLarge}, http.StatusRequestEntityTooLarge},
		{"not found", &APIError{Type: ErrorTypeNotFound}, http.StatusNotFound},
		{"backend unavailable", &APIError{Type: ErrorTypeBackendUnavailable}, http.StatusBadGateway},
		{"server", &APIError{Type: ErrorTypeServer}, http.StatusInternalServerError},
		{"unknown type", &APIError{Type: "mystery"}, http.StatusInternalServerError},
		{"explicit status wins", &APIError{Type: ErrorTypeInvalidRequest, StatusCode: http.StatusTeapot}, http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	malformed := ErrMalformed(ErrorCodeEmptyContent, "content is required")
	if !errors.Is(malformed, ErrMalformedInput) {
		t.Error("ErrMalformed should match ErrMalformedInput")
	}
	if errors.Is(malformed, ErrBothBackendsFailed) {
		t.Error("ErrMalformed should not match ErrBothBackendsFailed")
	}

	unable := ErrUnableToProcess("Unable to process your query at the moment")
	if !errors.Is(unable, ErrBothBackendsFailed) {
		t.Error("ErrUnableToProcess should match ErrBothBackendsFailed")
	}
	if unable.HTTPStatusCode() != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", unable.HTTPStatusCode())
	}
}

func TestAsAPIError(t *testing.T) {
	if AsAPIError(nil) != nil {
		t.Error("AsAPIError(nil) should be nil")
	}

	wrapped := fmt.Errorf("dispatch: %w", ErrBothBackendsFailed)
	if got := AsAPIError(wrapped); got.Code != ErrorCodeBothBackendsFailed {
		t.Errorf("Code = %q, want %q", got.Code, ErrorCodeBothBackendsFailed)
	}

	wrappedMalformed := fmt.Errorf("dispatch: %w", ErrMalformedInput)
	if got := AsAPIError(wrappedMalformed); got.HTTPStatusCode() != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", got.HTTPStatusCode())
	}

	plain := errors.New("boom")
	got := AsAPIError(plain)
	if got.Type != ErrorTypeServer {
		t.Errorf("Type = %q, want %q", got.Type, ErrorTypeServer)
	}
	if !errors.Is(got, plain) {
		t.Error("converted error should unwrap to the original")
	}

	api := ErrNotFound("session not found")
	if AsAPIError(fmt.Errorf("lookup: %w", api)) != api {
		t.Error("existing APIError should be returned as-is")
	}
}
