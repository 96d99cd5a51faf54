package otelbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/tracemodel"
)

func TestNew_DisabledByDefault(t *testing.T) {
	b := New(config.Default(), nil)
	assert.False(t, b.Enabled())

	h := b.StartTrace(context.Background(), "t1", "handler", time.Now())
	assert.Nil(t, h)
	// all spanHandle methods must tolerate a nil receiver.
	assert.Equal(t, context.Background(), h.Context(context.Background()))
	h.RecordOperation(tracemodel.Operation{Type: tracemodel.OpDB})
	h.EndTrace(nil, time.Now())
}

func TestBridge_StartTraceRecordsSpanWithOperationsAndError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	cfg := config.Default()
	cfg.OTelEnabled = true
	cfg.OTelServiceName = "test-service"

	b := &Bridge{enabled: true}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	b.provider = provider
	b.tracer = provider.Tracer(cfg.OTelServiceName)

	start := time.Now()
	h := b.StartTrace(context.Background(), "trace-1", "myHandler", start)
	require.NotNil(t, h)

	h.RecordOperation(tracemodel.Operation{
		Type:        tracemodel.OpDB,
		Collection:  "users",
		DBOperation: "findOne",
		Duration:    5 * time.Millisecond,
	})
	h.EndTrace(errors.New("boom"), start.Add(10*time.Millisecond))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "myHandler", spans[0].Name())
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "db", spans[0].Events()[0].Name)
}

func TestBridge_ShutdownIsSafeOnNilAndDisabled(t *testing.T) {
	var nilBridge *Bridge
	assert.NoError(t, nilBridge.Shutdown(context.Background()))

	disabled := New(config.Default(), nil)
	assert.NoError(t, disabled.Shutdown(context.Background()))
}
