package teachable

import (
	"encoding/json"
	"fmt"

	"github.com/aarogyalink/companion/internal/domain"
)

// CompletionRequest is the body of a completions call.
type CompletionRequest struct {
	Prompt      string         `json:"prompt"`
	Context     map[string]any `json:"context"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
}

// CompletionResponse is the body returned by a completions call.
type CompletionResponse struct {
	ID         string `json:"id,omitempty"`
	Completion string `json:"completion"`
	Model      string `json:"model,omitempty"`
}

// ErrorResponse wraps an API error. The service returns either
// {"error": {"message": ...}} or {"error": "...", "message": "..."}.
type ErrorResponse struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message,omitempty"`
}

// APIError contains error details.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("teachable %s (%d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("teachable error (%d): %s", e.StatusCode, e.Message)
}

// ToCanonical converts the API error into a backend-unavailable domain error.
func (e *APIError) ToCanonical() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeBackendUnavailable, e.Error()).
		WithCause(domain.ErrBackendUnavailable)
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(status int, data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if len(errResp.Error) == 0 {
		return nil, nil
	}

	var detail APIError
	if err := json.Unmarshal(errResp.Error, &detail); err == nil && detail.Message != "" {
		detail.StatusCode = status
		return &detail, nil
	}

	var msg string
	if err := json.Unmarshal(errResp.Error, &msg); err != nil {
		return nil, err
	}
	if errResp.Message != "" {
		msg = msg + ": " + errResp.Message
	}
	return &APIError{StatusCode: status, Message: msg}, nil
}
