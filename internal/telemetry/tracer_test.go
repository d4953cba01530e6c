package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer(Config{
		ServiceName: "aarogyalink-test",
		Version:     "test",
		Exporter:    ExporterStdout,
		Writer:      &buf,
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "dispatch.backend")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "dispatch.backend") || !strings.Contains(out, "aarogyalink-test") {
		t.Errorf("exported span missing name or service: %s", out)
	}
}

func TestInitTracerNone(t *testing.T) {
	shutdown, err := InitTracer(Config{ServiceName: "svc", Exporter: ExporterNone}, nil)
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error = %v", err)
	}
}

func TestInitTracerUnknownExporter(t *testing.T) {
	if _, err := InitTracer(Config{Exporter: "zipkin"}, nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
