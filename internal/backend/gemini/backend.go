// Package gemini adapts the Gemini generateContent API to domain.Backend.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	geminiapi "github.com/aarogyalink/companion/internal/api/gemini"
	"github.com/aarogyalink/companion/internal/domain"
)

// Name is the identifier reported as chosenSource.
const Name = "gemini"

// Option configures the backend.
type Option func(*Backend)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) Option {
	return func(b *Backend) {
		b.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = httpClient
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(b *Backend) {
		b.model = model
	}
}

// Backend is the multimodal backend. It accepts text prompts with an
// optional image.
type Backend struct {
	client     *geminiapi.Client
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a new Gemini backend.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}

	var clientOpts []geminiapi.ClientOption
	if b.baseURL != "" {
		clientOpts = append(clientOpts, geminiapi.WithBaseURL(b.baseURL))
	}
	if b.httpClient != nil {
		clientOpts = append(clientOpts, geminiapi.WithHTTPClient(b.httpClient))
	}
	if b.model != "" {
		clientOpts = append(clientOpts, geminiapi.WithModel(b.model))
	}

	b.client = geminiapi.NewClient(apiKey, clientOpts...)
	return b
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) SendPrompt(ctx context.Context, prompt domain.Prompt) (*domain.BackendResult, error) {
	resp, raw, err := b.client.GenerateContent(ctx, toAPIRequest(prompt))
	if err != nil {
		return nil, err
	}

	text := resp.Text()
	if text == "" {
		reason := "no candidate text"
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + resp.PromptFeedback.BlockReason
		} else if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			reason = "no candidate text, finish reason " + resp.Candidates[0].FinishReason
		}
		return nil, fmt.Errorf("%s: %w", reason, domain.ErrBackendUnavailable)
	}

	return toBackendResult(resp, text, raw), nil
}

func toAPIRequest(prompt domain.Prompt) *geminiapi.GenerateContentRequest {
	parts := []geminiapi.Part{{Text: prompt.Text}}
	if len(prompt.Image) > 0 {
		mime := prompt.ImageMIME
		if mime == "" {
			mime = http.DetectContentType(prompt.Image)
		}
		parts = append(parts, geminiapi.Part{
			InlineData: &geminiapi.InlineData{
				MimeType: mime,
				Data:     base64.StdEncoding.EncodeToString(prompt.Image),
			},
		})
	}

	return &geminiapi.GenerateContentRequest{
		Contents: []geminiapi.Content{{Role: "user", Parts: parts}},
	}
}

func toBackendResult(resp *geminiapi.GenerateContentResponse, text string, raw []byte) *domain.BackendResult {
	result := &domain.BackendResult{
		Text: domain.StringPtr(text),
		Raw:  raw,
	}

	for _, rating := range resp.SafetyRatings() {
		result.SafetyFlags = append(result.SafetyFlags, rating.String())
	}

	if u := resp.UsageMetadata; u != nil {
		result.Usage = domain.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}

	return result
}
