package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/raysh454/vigil/internal/telemetry"
)

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	t.Parallel()

	p, err := telemetry.Setup(t.Context(), telemetry.DefaultConfig(), "test")
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "scan")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(t.Context()))
}

func TestNewProvider_RecordsSpans(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	p := telemetry.NewProvider(sdktrace.WithSpanProcessor(rec))

	ctx, parent := p.Tracer().Start(context.Background(), "scan")
	_, child := p.Tracer().Start(ctx, "task")
	child.End()
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "task", spans[0].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, telemetry.TracerName, spans[0].InstrumentationScope().Name)
	assert.NoError(t, p.Shutdown(t.Context()))
}

func TestProvider_NilIsSafe(t *testing.T) {
	t.Parallel()
	var p *telemetry.Provider
	_, span := p.Tracer().Start(context.Background(), "x")
	span.End()
	assert.NoError(t, p.Shutdown(t.Context()))
}
