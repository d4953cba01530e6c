package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aarogyalink/companion/internal/domain"
	"github.com/aarogyalink/companion/internal/testutil"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T, a, b domain.Backend, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	d, err := New(a, b, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func headache() domain.Query {
	return domain.Query{Kind: domain.KindText, Content: "I have a headache", InputSource: domain.SourceText}
}

func TestDispatchTextBothSucceed(t *testing.T) {
	a := &testutil.StubBackend{ID: "A", Text: "Try resting and hydrating.", Flags: []string{"HARM:LOW"}}
	b := &testutil.StubBackend{ID: "B", Text: "Consider seeing a doctor."}
	d := newTestDispatcher(t, a, b)

	resp, err := d.Dispatch(context.Background(), headache())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if resp.PrimaryText == nil || *resp.PrimaryText != "Try resting and hydrating." {
		t.Errorf("PrimaryText = %v", resp.PrimaryText)
	}
	if resp.SecondarySource == nil || *resp.SecondarySource != "Consider seeing a doctor." {
		t.Errorf("SecondarySource = %v", resp.SecondarySource)
	}
	if resp.ChosenSource != "A" {
		t.Errorf("ChosenSource = %q, want A", resp.ChosenSource)
	}
	if !resp.Success() {
		t.Error("Success() should be true")
	}
	if !reflect.DeepEqual(resp.SafetyFlags, []string{"HARM:LOW"}) {
		t.Errorf("SafetyFlags = %v", resp.SafetyFlags)
	}
	if !resp.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v", resp.Timestamp)
	}
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Errorf("calls = A:%d B:%d, want 1 each", a.Calls(), b.Calls())
	}
	if a.Prompts()[0].Text != b.Prompts()[0].Text {
		t.Error("both backends should receive the same prompt")
	}
}

func TestDispatchTextPrimaryWinsRegardlessOfSecondary(t *testing.T) {
	a := &testutil.StubBackend{ID: "A", Text: "from A"}
	b := &testutil.StubBackend{ID: "B", Err: errors.New("connection refused")}
	d := newTestDispatcher(t, a, b)

	resp, err := d.Dispatch(context.Background(), headache())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.Text() != "from A" || resp.ChosenSource != "A" {
		t.Errorf("resp = %q from %q", resp.Text(), resp.ChosenSource)
	}
	if resp.SecondarySource != nil {
		t.Errorf("SecondarySource = %q, want absent", *resp.SecondarySource)
	}
}

func TestDispatchTextPrimaryTimeout(t *testing.T) {
	a := &testutil.StubBackend{ID: "A", Text: "too late", Delay: time.Second}
	b := &testutil.StubBackend{ID: "B", Text: "Consider seeing a doctor."}
	d := newTestDispatcher(t, a, b, WithBackendTimeout(20*time.Millisecond))

	resp, err := d.Dispatch(context.Background(), headache())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if resp.PrimaryText != nil {
		t.Errorf("PrimaryText = %q, want absent", *resp.PrimaryText)
	}
	if resp.SecondarySource == nil || *resp.SecondarySource != "Consider seeing a doctor." {
		t.Errorf("SecondarySource = %v", resp.SecondarySource)
	}
	if resp.ChosenSource != "B" {
		t.Errorf("ChosenSource = %q, want B", resp.ChosenSource)
	}
	if resp.Success() {
		t.Error("Success() should be false when only the secondary answered")
	}
	if resp.Attempts[0].Success || !strings.Contains(resp.Attempts[0].Error, "deadline exceeded") {
		t.Errorf("primary attempt = %+v", resp.Attempts[0])
	}
}

func TestDispatchTextBothFail(t *testing.T) {
	a := &testutil.StubBackend{ID: "A", Err: errors.New("503")}
	b := &testutil.StubBackend{ID: "B", Err: errors.New("401")}
	d := newTestDispatcher(t, a, b)

	resp, err := d.Dispatch(context.Background(), headache())
	if !errors.Is(err, domain.ErrBothBackendsFailed) {
		t.Fatalf("error = %v, want ErrBothBackendsFailed", err)
	}
	if resp == nil {
		t.Fatal("response should still be returned")
	}
	if resp.PrimaryText != nil || resp.SecondarySource != nil {
		t.Errorf("texts should be absent: %+v", resp)
	}
	if resp.ChosenSource != "B" {
		t.Errorf("ChosenSource = %q, want B", resp.ChosenSource)
	}
	if len(resp.Attempts) != 2 || resp.Attempts[0].Error != "503" || resp.Attempts[1].Error != "401" {
		t.Errorf("Attempts = %+v", resp.Attempts)
	}
}

func TestDispatchBackendMisbehaviour(t *testing.T) {
	tests := []struct {
		name string
		a    *testutil.StubBackend
	}{
		{"panic", &testutil.StubBackend{ID: "A", Panic: "nil map write"}},
		{"ignores context", &testutil.StubBackend{ID: "A", Text: "late", Delay: 500 * time.Millisecond, IgnoreContext: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &testutil.StubBackend{ID: "B", Text: "fine"}
			d := newTestDispatcher(t, tt.a, b, WithBackendTimeout(20*time.Millisecond))

			start := time.Now()
			resp, err := d.Dispatch(context.Background(), headache())
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
				t.Errorf("dispatch took %v, should be bounded by the backend timeout", elapsed)
			}
			if resp.PrimaryText != nil || resp.ChosenSource != "B" || resp.Text() != "fine" {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestDispatchTextEmptyResultCountsAsFailure(t *testing.T) {
	a := &nilTextBackend{}
	b := &testutil.StubBackend{ID: "B", Text: "fine"}
	d := newTestDispatcher(t, a, b)

	resp, err := d.Dispatch(context.Background(), headache())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.PrimaryText != nil || resp.ChosenSource != "B" {
		t.Errorf("resp = %+v", resp)
	}
}

type nilTextBackend struct{}

func (nilTextBackend) Name() string { return "A" }

func (nilTextBackend) SendPrompt(context.Context, domain.Prompt) (*domain.BackendResult, error) {
	return &domain.BackendResult{}, nil
}

func TestDispatchFallbackMode(t *testing.T) {
	t.Run("primary succeeds", func(t *testing.T) {
		a := &testutil.StubBackend{ID: "A", Text: "from A"}
		b := &testutil.StubBackend{ID: "B", Text: "from B"}
		d := newTestDispatcher(t, a, b, WithMode(ModeFallback))

		resp, err := d.Dispatch(context.Background(), headache())
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if b.Calls() != 0 {
			t.Errorf("secondary called %d times, want 0", b.Calls())
		}
		if resp.SecondarySource != nil {
			t.Error("SecondarySource should be absent")
		}
		if !resp.Attempts[1].Skipped {
			t.Errorf("secondary attempt = %+v, want skipped", resp.Attempts[1])
		}
	})

	t.Run("primary fails", func(t *testing.T) {
		a := &testutil.StubBackend{ID: "A", Err: errors.New("down")}
		b := &testutil.StubBackend{ID: "B", Text: "from B"}
		d := newTestDispatcher(t, a, b, WithMode(ModeFallback))

		resp, err := d.Dispatch(context.Background(), headache())
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if b.Calls() != 1 {
			t.Errorf("secondary called %d times, want 1", b.Calls())
		}
		if resp.ChosenSource != "B" || resp.Text() != "from B" {
			t.Errorf("resp = %+v", resp)
		}
	})
}

func TestDispatchImage(t *testing.T) {
	img := []byte("\x89PNG\r\n\x1a\n")

	t.Run("success", func(t *testing.T) {
		a := &testutil.StubBackend{ID: "A", Text: "Looks like a mild rash.", Flags: []string{"HARM:NEGLIGIBLE"}}
		b := &testutil.StubBackend{ID: "B", Text: "unused"}
		d := newTestDispatcher(t, a, b)

		resp, err := d.Dispatch(context.Background(), domain.Query{
			Kind:           domain.KindImage,
			Content:        "red patch",
			Attachment:     img,
			AttachmentMIME: "image/png",
		})
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if *resp.PrimaryText != "Looks like a mild rash." || resp.ChosenSource != "A" {
			t.Errorf("resp = %+v", resp)
		}
		if !reflect.DeepEqual(resp.SafetyFlags, []string{"HARM:NEGLIGIBLE"}) {
			t.Errorf("SafetyFlags = %v", resp.SafetyFlags)
		}
		if b.Calls() != 0 {
			t.Error("secondary backend should not be called for images")
		}
		p := a.Prompts()[0]
		if !bytes.Equal(p.Image, img) || p.ImageMIME != "image/png" {
			t.Errorf("prompt image = %v %q", p.Image, p.ImageMIME)
		}
		if !strings.Contains(p.Text, "Analyze this health image briefly: red patch") {
			t.Errorf("prompt text = %q", p.Text)
		}
	})

	t.Run("failure surfaces fallback text", func(t *testing.T) {
		a := &testutil.StubBackend{ID: "A", Err: errors.New("quota exceeded")}
		b := &testutil.StubBackend{ID: "B", Text: "unused"}
		d := newTestDispatcher(t, a, b)

		resp, err := d.Dispatch(context.Background(), domain.Query{Kind: domain.KindImage, Attachment: img})
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if resp.PrimaryText == nil || *resp.PrimaryText != ImageFallbackText {
			t.Errorf("PrimaryText = %v, want %q", resp.PrimaryText, ImageFallbackText)
		}
		if resp.ChosenSource != "A" || !resp.Success() {
			t.Errorf("resp = %+v", resp)
		}
		if len(resp.SafetyFlags) != 0 {
			t.Errorf("SafetyFlags = %v, want empty", resp.SafetyFlags)
		}
	})
}

func TestDispatchAudioRedispatchesAsText(t *testing.T) {
	a := &testutil.StubBackend{ID: "A", Text: "from A"}
	b := &testutil.StubBackend{ID: "B", Text: "from B"}
	d := newTestDispatcher(t, a, b)

	resp, err := d.Dispatch(context.Background(), domain.Query{
		Kind:        domain.KindAudio,
		Content:     "my chest feels tight",
		InputSource: domain.SourceVoice,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if resp.Kind != domain.KindAudio || resp.InputSource != domain.SourceVoice {
		t.Errorf("Kind/InputSource = %q/%q", resp.Kind, resp.InputSource)
	}
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Errorf("calls = A:%d B:%d, want text path", a.Calls(), b.Calls())
	}
	want := BuildTextPrompt("my chest feels tight", domain.SourceVoice)
	if a.Prompts()[0].Text != want {
		t.Errorf("prompt = %q, want %q", a.Prompts()[0].Text, want)
	}
}

func TestDispatchVoiceClause(t *testing.T) {
	for _, source := range []domain.InputSource{domain.SourceText, domain.SourceVoice} {
		t.Run(string(source), func(t *testing.T) {
			a := &testutil.StubBackend{ID: "A", Text: "a"}
			b := &testutil.StubBackend{ID: "B", Text: "b"}
			d := newTestDispatcher(t, a, b)

			q := headache()
			q.InputSource = source
			if _, err := d.Dispatch(context.Background(), q); err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}

			for _, stub := range []*testutil.StubBackend{a, b} {
				p := stub.Prompts()[0].Text
				if !strings.Contains(p, PersonaTemplate) {
					t.Errorf("%s prompt missing persona template", stub.ID)
				}
				hasVoice := strings.Contains(p, VoiceClause)
				if hasVoice != (source == domain.SourceVoice) {
					t.Errorf("%s prompt voice clause present = %v for source %q", stub.ID, hasVoice, source)
				}
			}
		})
	}
}

func TestDispatchIdempotent(t *testing.T) {
	a := &testutil.StubBackend{ID: "A", Text: "Try resting and hydrating."}
	b := &testutil.StubBackend{ID: "B", Text: "Consider seeing a doctor."}

	var ticks atomic.Int64
	d := newTestDispatcher(t, a, b, WithClock(func() time.Time {
		return fixedNow.Add(time.Duration(ticks.Add(1)) * time.Hour)
	}))

	first, err := d.Dispatch(context.Background(), headache())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	second, err := d.Dispatch(context.Background(), headache())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	strip := func(r *domain.DispatchResponse) domain.DispatchResponse {
		c := *r
		c.Timestamp = time.Time{}
		c.Attempts = nil
		return c
	}
	if !reflect.DeepEqual(strip(first), strip(second)) {
		t.Errorf("responses differ:\n%+v\n%+v", strip(first), strip(second))
	}
}

func TestDispatchMalformedInput(t *testing.T) {
	a := &testutil.StubBackend{ID: "A", Text: "a"}
	b := &testutil.StubBackend{ID: "B", Text: "b"}
	d := newTestDispatcher(t, a, b)

	queries := []domain.Query{
		{Kind: domain.KindText, Content: ""},
		{Kind: domain.KindAudio, Content: " "},
		{Kind: domain.KindImage, Content: "no file"},
		{Kind: "video", Content: "x"},
	}
	for _, q := range queries {
		resp, err := d.Dispatch(context.Background(), q)
		if !errors.Is(err, domain.ErrMalformedInput) {
			t.Errorf("Dispatch(%+v) error = %v, want ErrMalformedInput", q, err)
		}
		if resp != nil {
			t.Errorf("Dispatch(%+v) should not return a response", q)
		}
	}
	if a.Calls()+b.Calls() != 0 {
		t.Error("no backend should be called for malformed input")
	}
}

func TestDispatchSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	a := &testutil.StubBackend{ID: "A", Err: errors.New("down")}
	b := &testutil.StubBackend{ID: "B", Text: "ok"}
	d := newTestDispatcher(t, a, b, WithTracer(tp.Tracer("test")))

	if _, err := d.Dispatch(context.Background(), headache()); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want one per backend call", len(spans))
	}
	failed := 0
	for _, s := range spans {
		if s.Name != "dispatch.backend" {
			t.Errorf("span name = %q", s.Name)
		}
		if s.Status.Code == codes.Error {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed spans = %d, want 1", failed)
	}
}

func TestNewValidation(t *testing.T) {
	a := &testutil.StubBackend{ID: "A"}
	if _, err := New(nil, a); err == nil {
		t.Error("expected error for missing primary")
	}
	if _, err := New(a, a, WithMode("broadcast")); err == nil {
		t.Error("expected error for unknown mode")
	}
	d, err := New(a, a)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if d.Mode() != ModeDual {
		t.Errorf("default mode = %q, want dual", d.Mode())
	}
}
