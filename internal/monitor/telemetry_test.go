package monitor

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"chart-exec-sandbox/internal/config"
)

func restoreTracerProvider(t *testing.T) {
	t.Helper()
	orig := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func TestInitTracing_Disabled(t *testing.T) {
	restoreTracerProvider(t)
	before := otel.GetTracerProvider()

	p, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false, Endpoint: "localhost:4317"})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if p.tp != nil {
		t.Error("disabled tracing built an SDK provider")
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled tracing replaced the global provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestInitTracing_Enabled(t *testing.T) {
	restoreTracerProvider(t)

	p, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:  true,
		Endpoint: "localhost:4317",
		Sample:   0.5,
	})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		// No collector is listening; only make sure shutdown returns.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	if p.tp == nil {
		t.Fatal("enabled tracing has no SDK provider")
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	_, span := NewTracer().StartSpan(context.Background(), "execute")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Error("tracer from the installed provider produced an invalid span context")
	}
}

func TestTracingProvider_NilShutdown(t *testing.T) {
	var p *TracingProvider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil provider: %v", err)
	}
}
