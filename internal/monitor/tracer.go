package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chart-exec-sandbox"

// Tracer wraps OpenTelemetry tracing for chart executions.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("chart.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// Common attribute keys for chart tracing.
var (
	AttrRunID      = attribute.Key("chart.run_id")
	AttrProfile    = attribute.Key("chart.profile")
	AttrCodeHash   = attribute.Key("chart.code_hash")
	AttrScope      = attribute.Key("chart.env.scope")
	AttrAttempt    = attribute.Key("chart.attempt")
	AttrExitCode   = attribute.Key("chart.exit_code")
	AttrTimedOut   = attribute.Key("chart.timed_out")
	AttrPackages   = attribute.Key("chart.packages")
	AttrDurationMS = attribute.Key("chart.duration_ms")
)
