// Package dispatch turns a health query into a response from one or two LLM
// backends.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aarogyalink/companion/internal/domain"
)

// ImageFallbackText is returned as the primary text when the multimodal
// backend cannot analyze an image.
const ImageFallbackText = "Unable to analyze image"

const tracerName = "github.com/aarogyalink/companion/internal/dispatch"

// Mode selects how the secondary backend is used on the text path.
type Mode string

const (
	// ModeDual calls both backends for every text query.
	ModeDual Mode = "dual"
	// ModeFallback calls the secondary backend only when the primary fails.
	ModeFallback Mode = "fallback"
)

const defaultBackendTimeout = 30 * time.Second

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithMode sets the text-path call policy.
func WithMode(mode Mode) Option {
	return func(d *Dispatcher) {
		d.mode = mode
	}
}

// WithBackendTimeout bounds each backend call.
func WithBackendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithTracer sets the tracer used for per-backend spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// Dispatcher is the query dispatcher. It holds no per-request state and is
// safe for concurrent use.
type Dispatcher struct {
	primary   domain.Backend
	secondary domain.Backend
	mode      Mode
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

var _ domain.Dispatcher = (*Dispatcher)(nil)

// New creates a dispatcher. primary must accept image prompts; secondary
// is used for text queries only.
func New(primary, secondary domain.Backend, opts ...Option) (*Dispatcher, error) {
	if primary == nil || secondary == nil {
		return nil, errors.New("dispatch: primary and secondary backends are required")
	}

	d := &Dispatcher{
		primary:   primary,
		secondary: secondary,
		mode:      ModeDual,
		timeout:   defaultBackendTimeout,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	switch d.mode {
	case ModeDual, ModeFallback:
	default:
		return nil, fmt.Errorf("dispatch: unknown mode %q", d.mode)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}

	return d, nil
}

// Mode returns the configured call policy.
func (d *Dispatcher) Mode() Mode {
	return d.mode
}

// Dispatch answers one query. Precondition violations return an error
// matching domain.ErrMalformedInput and no response. A text query for which
// neither backend produced text returns the response together with an error
// matching domain.ErrBothBackendsFailed. Backend failures are otherwise
// absorbed.
func (d *Dispatcher) Dispatch(ctx context.Context, q domain.Query) (*domain.DispatchResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	switch q.Kind {
	case domain.KindImage:
		return d.dispatchImage(ctx, q), nil
	case domain.KindAudio:
		// Audio arrives transcribed and is answered as text.
		resp, err := d.dispatchText(ctx, q.Content, q.InputSource)
		resp.Kind = domain.KindAudio
		return resp, err
	default:
		return d.dispatchText(ctx, q.Content, q.InputSource)
	}
}

func (d *Dispatcher) dispatchText(ctx context.Context, content string, source domain.InputSource) (*domain.DispatchResponse, error) {
	prompt := domain.Prompt{Text: BuildTextPrompt(content, source)}

	var (
		primaryRes, secondaryRes         *domain.BackendResult
		primaryAttempt, secondaryAttempt domain.BackendAttempt
	)

	switch d.mode {
	case ModeFallback:
		primaryRes, primaryAttempt = d.call(ctx, d.primary, prompt)
		if primaryRes.HasText() {
			secondaryAttempt = domain.BackendAttempt{Backend: d.secondary.Name(), Skipped: true}
		} else {
			secondaryRes, secondaryAttempt = d.call(ctx, d.secondary, prompt)
		}
	default:
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			primaryRes, primaryAttempt = d.call(ctx, d.primary, prompt)
		}()
		go func() {
			defer wg.Done()
			secondaryRes, secondaryAttempt = d.call(ctx, d.secondary, prompt)
		}()
		wg.Wait()
	}

	resp := &domain.DispatchResponse{
		Kind:        domain.KindText,
		InputSource: source,
		Timestamp:   d.now(),
		Attempts:    []domain.BackendAttempt{primaryAttempt, secondaryAttempt},
	}

	if primaryRes.HasText() {
		resp.PrimaryText = primaryRes.Text
		resp.ChosenSource = d.primary.Name()
		resp.SafetyFlags = primaryRes.SafetyFlags
	} else {
		resp.ChosenSource = d.secondary.Name()
	}
	if secondaryRes.HasText() {
		resp.SecondarySource = secondaryRes.Text
	}
	if resp.SafetyFlags == nil {
		resp.SafetyFlags = []string{}
	}

	if resp.PrimaryText == nil && resp.SecondarySource == nil {
		d.logger.Warn("no backend produced text",
			slog.String("input_source", string(source)),
			slog.String("chosen_source", resp.ChosenSource))
		return resp, fmt.Errorf("dispatch text query: %w", domain.ErrBothBackendsFailed)
	}

	return resp, nil
}

func (d *Dispatcher) dispatchImage(ctx context.Context, q domain.Query) *domain.DispatchResponse {
	prompt := domain.Prompt{
		Text:      BuildImagePrompt(q.Content, q.InputSource),
		Image:     q.Attachment,
		ImageMIME: q.AttachmentMIME,
	}

	res, attempt := d.call(ctx, d.primary, prompt)

	resp := &domain.DispatchResponse{
		Kind:         domain.KindImage,
		InputSource:  q.InputSource,
		ChosenSource: d.primary.Name(),
		SafetyFlags:  []string{},
		Timestamp:    d.now(),
		Attempts:     []domain.BackendAttempt{attempt},
	}

	if res.HasText() {
		resp.PrimaryText = res.Text
		if res.SafetyFlags != nil {
			resp.SafetyFlags = res.SafetyFlags
		}
	} else {
		resp.PrimaryText = domain.StringPtr(ImageFallbackText)
	}

	return resp
}

// call performs one bounded backend call. It never returns an error: any
// failure yields a nil result and is recorded in the attempt.
func (d *Dispatcher) call(ctx context.Context, b domain.Backend, prompt domain.Prompt) (*domain.BackendResult, domain.BackendAttempt) {
	name := b.Name()

	ctx, span := d.tracer.Start(ctx, "dispatch.backend",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend", name),
			attribute.Bool("has_image", len(prompt.Image) > 0),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.now()
	res, err := sendWithTimeout(ctx, b, prompt)
	if err == nil && !res.HasText() {
		err = fmt.Errorf("%s returned no text: %w", name, domain.ErrBackendUnavailable)
	}

	attempt := domain.BackendAttempt{
		Backend: name,
		Latency: d.now().Sub(start),
	}

	if err != nil {
		attempt.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("backend call failed",
			slog.String("backend", name),
			slog.Duration("latency", attempt.Latency),
			slog.String("error", err.Error()))
		return nil, attempt
	}

	attempt.Success = true
	attempt.Usage = res.Usage
	span.SetAttributes(attribute.Int("tokens.total", res.Usage.TotalTokens))
	d.logger.Debug("backend call succeeded",
		slog.String("backend", name),
		slog.Duration("latency", attempt.Latency),
		slog.Int("total_tokens", res.Usage.TotalTokens))

	return res, attempt
}

type sendResult struct {
	res *domain.BackendResult
	err error
}

// sendWithTimeout returns when the backend answers or ctx expires, whichever
// comes first. A backend that ignores ctx is abandoned, not waited on.
func sendWithTimeout(ctx context.Context, b domain.Backend, prompt domain.Prompt) (*domain.BackendResult, error) {
	done := make(chan sendResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendResult{err: fmt.Errorf("backend %s panicked: %v: %w", b.Name(), r, domain.ErrBackendUnavailable)}
			}
		}()
		res, err := b.SendPrompt(ctx, prompt)
		done <- sendResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("backend %s: %w: %w", b.Name(), domain.ErrBackendUnavailable, ctx.Err())
	}
}
