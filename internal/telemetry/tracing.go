// Package telemetry provides OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Option customizes the tracer provider.
type Option func(*[]sdktrace.TracerProviderOption)

// WithExporter batches finished spans to exp.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(opts *[]sdktrace.TracerProviderOption) {
		*opts = append(*opts, sdktrace.WithBatcher(exp))
	}
}

// WithSyncer hands each finished span to exp as it ends. Meant for tests.
func WithSyncer(exp sdktrace.SpanExporter) Option {
	return func(opts *[]sdktrace.TracerProviderOption) {
		*opts = append(*opts, sdktrace.WithSyncer(exp))
	}
}

// InitTracerProvider installs a global tracer provider sampling sampleRatio
// of root traces, and the W3C trace-context propagator used to stamp
// published run events. Callers own Shutdown.
func InitTracerProvider(ctx context.Context, serviceName string, sampleRatio float64, opts ...Option) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	}
	for _, opt := range opts {
		opt(&tpOpts)
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
