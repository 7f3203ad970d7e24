// Package telemetry wires optional OpenTelemetry tracing for the gateway
// process. Grounded on intelligencedev-manifold's internal/telemetry/otel.go
// Setup() shape (the teacher only references tracing through a narrow
// tracing.Collector interface absent from the retrieved subset); adapted
// to the otlptracehttp exporter already in this module's dependency set.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and where spans are exported. The zero value
// is fully disabled, keeping telemetry genuinely optional per spec.md's
// Non-goals.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Shutdown flushes and tears down the tracer provider.
type Shutdown func(context.Context) error

var noopShutdown Shutdown = func(context.Context) error { return nil }

// Setup installs a global TracerProvider per cfg, or a no-op provider when
// disabled. Callers defer the returned Shutdown.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noopShutdown, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "friend"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-wide tracer. Safe to call even when Setup was
// never invoked or ran disabled — otel's global provider defaults to a
// no-op implementation.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/friendcore/friend")
}
