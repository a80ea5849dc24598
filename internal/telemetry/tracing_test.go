package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsAndPropagates(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), "indexer-test", 1, WithSyncer(exp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "indexer.run")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()

	require.NotEmpty(t, carrier.Get("traceparent"))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "indexer.run", spans[0].Name)
}

func TestInitTracerProviderZeroRatioDropsRoots(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), "indexer-test", 0, WithSyncer(exp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "indexer.run")
	span.End()
	require.Empty(t, exp.GetSpans())
}
