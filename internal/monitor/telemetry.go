package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"chart-exec-sandbox/internal/config"
)

// TracingProvider owns the SDK tracer provider installed by InitTracing. A
// zero value is the disabled provider and shuts down as a no-op.
type TracingProvider struct {
	tp *sdktrace.TracerProvider
}

// InitTracing installs an OTLP/gRPC tracer provider as the global provider so
// spans from NewTracer are exported. With tracing disabled the global noop
// provider stays in place.
func InitTracing(ctx context.Context, cfg config.TracingConfig) (*TracingProvider, error) {
	if !cfg.Enabled {
		log.Debug().Msg("tracing disabled")
		return &TracingProvider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(tracerName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Sample))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Float64("sample_rate", cfg.Sample).
		Msg("tracing initialized")
	return &TracingProvider{tp: tp}, nil
}

// Shutdown flushes pending spans and stops the exporter.
func (p *TracingProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
