// Package tracing sets up the OpenTelemetry TracerProvider for the
// HTTP admission path. The Coordinator, Agent Manager, and friends stay
// unaware of tracing entirely; otelhttp's middleware derives spans
// purely from the incoming request, so instrumentation lives at the
// edge, not threaded through every function signature.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/kdlbs/orchestra/internal/common/config"
)

// NewProvider builds a TracerProvider for serviceName. When cfg.Enabled
// is false, the provider is still valid and usable (otelhttp spans are
// created and immediately dropped) but no exporter is started, so
// tracing carries no network cost when turned off.
func NewProvider(ctx context.Context, cfg config.TracingConfig) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if !cfg.Enabled {
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, nil
}

// Install registers tp as the global TracerProvider, so otelhttp's
// middleware (and anything else that calls otel.Tracer) picks it up
// without being passed it explicitly.
func Install(tp *sdktrace.TracerProvider) {
	otel.SetTracerProvider(tp)
}
