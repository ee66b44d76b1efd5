package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	// the global no-op tracer still hands out spans
	_, span := Tracer("fleetsync/test").Start(context.Background(), "cycle")
	span.End()
	assert.NotNil(t, Meter("fleetsync/test"))
}

func TestInitWithEndpoint(t *testing.T) {
	// exporters connect lazily, so construction succeeds without a collector
	shutdown, err := Init(context.Background(), Config{Endpoint: "127.0.0.1:4318", Insecure: true}, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestSpansRecorded(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("fleetsync/test").Start(context.Background(), "downstream")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "downstream", spans[0].Name)
}
