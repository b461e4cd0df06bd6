// Package telemetry wires up distributed tracing for the staging pipeline
// and runtime supervisor. It is a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT
// is set, so a plain container run never pays for (or needs) a collector.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and tears down the tracer provider installed by Setup.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider exporting to
// OTEL_EXPORTER_OTLP_ENDPOINT over gRPC, tagging every span with
// serviceName. When the endpoint variable is unset, the global provider is
// left as the no-op default and Shutdown does nothing.
func Setup(ctx context.Context, serviceName string) (Shutdown, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return noopShutdown, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return noopShutdown, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return noopShutdown, fmt.Errorf("telemetry: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the currently installed global
// tracer provider (real or no-op).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
