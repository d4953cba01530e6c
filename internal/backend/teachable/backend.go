// Package teachable adapts the Teachable completions API to domain.Backend.
package teachable

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	teachableapi "github.com/aarogyalink/companion/internal/api/teachable"
	"github.com/aarogyalink/companion/internal/domain"
	"github.com/aarogyalink/companion/internal/tokens"
)

// Name is the identifier reported as chosenSource.
const Name = "teachable"

const (
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
)

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

// WithMaxTokens sets max_tokens on every request.
func WithMaxTokens(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(b *Backend) {
		b.temperature = t
	}
}

// WithCounter sets the token counter used for usage estimates.
func WithCounter(c tokens.Counter) Option {
	return func(b *Backend) {
		b.counter = c
	}
}

// Backend is the text-only completion backend. The API reports no usage,
// so token counts are estimated locally.
type Backend struct {
	client      *teachableapi.Client
	baseURL     string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
	counter     tokens.Counter
}

// New creates a new Teachable backend.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.counter == nil {
		b.counter = tokens.NewTiktokenCounter("")
	}

	var clientOpts []teachableapi.ClientOption
	if b.baseURL != "" {
		clientOpts = append(clientOpts, teachableapi.WithBaseURL(b.baseURL))
	}
	if b.httpClient != nil {
		clientOpts = append(clientOpts, teachableapi.WithHTTPClient(b.httpClient))
	}

	b.client = teachableapi.NewClient(apiKey, clientOpts...)
	return b
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) SendPrompt(ctx context.Context, prompt domain.Prompt) (*domain.BackendResult, error) {
	if len(prompt.Image) > 0 {
		return nil, fmt.Errorf("teachable does not accept image input: %w", domain.ErrBackendUnavailable)
	}

	resp, raw, err := b.client.CreateCompletion(ctx, &teachableapi.CompletionRequest{
		Prompt:      prompt.Text,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
	})
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(resp.Completion) == "" {
		return nil, fmt.Errorf("empty completion: %w", domain.ErrBackendUnavailable)
	}

	return &domain.BackendResult{
		Text:  domain.StringPtr(resp.Completion),
		Usage: tokens.Usage(b.counter, prompt.Text, resp.Completion),
		Raw:   raw,
	}, nil
}
