package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aarogyalink/companion/internal/domain"
)

// GenerateContentRequest is the body of a generateContent call.
type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content is one turn of the conversation.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is either text or inline binary data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData carries base64-encoded media.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// GenerationConfig holds optional sampling parameters.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// GenerateContentResponse is the body returned by generateContent.
type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

// Candidate is one generated answer.
type Candidate struct {
	Content       Content        `json:"content"`
	FinishReason  string         `json:"finishReason,omitempty"`
	SafetyRatings []SafetyRating `json:"safetyRatings,omitempty"`
	Index         int            `json:"index"`
}

// SafetyRating is the model's harm assessment for one category.
type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// String renders the rating as "category:probability".
func (r SafetyRating) String() string {
	return r.Category + ":" + r.Probability
}

// PromptFeedback explains why a prompt produced no candidates.
type PromptFeedback struct {
	BlockReason   string         `json:"blockReason,omitempty"`
	SafetyRatings []SafetyRating `json:"safetyRatings,omitempty"`
}

// UsageMetadata reports token counts.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Text concatenates the text parts of the first candidate.
func (r *GenerateContentResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// SafetyRatings returns the first candidate's ratings, or the prompt
// feedback ratings when the prompt was blocked.
func (r *GenerateContentResponse) SafetyRatings() []SafetyRating {
	if r == nil {
		return nil
	}
	if len(r.Candidates) > 0 {
		return r.Candidates[0].SafetyRatings
	}
	if r.PromptFeedback != nil {
		return r.PromptFeedback.SafetyRatings
	}
	return nil
}

// ErrorResponse wraps an API error.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini %s (%d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gemini error (%d): %s", e.Code, e.Message)
}

// ToCanonical converts the API error into a backend-unavailable domain error.
func (e *APIError) ToCanonical() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeBackendUnavailable, e.Error()).
		WithCause(domain.ErrBackendUnavailable)
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}
