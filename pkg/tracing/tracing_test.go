package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]string {
	out := make(map[attribute.Key]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "meshcall", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceReconfigure(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceReconfigure(context.Background(), "high", "audio-only")
	AddSpanAttributes(ctx, BitrateKey.Int(64))
	MeasureDuration(ctx, time.Now())
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "capture.reconfigure", spans[0].Name())
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "high", attrs[FromTierKey])
	assert.Equal(t, "audio-only", attrs[TierKey])
	assert.Equal(t, "64", attrs[BitrateKey])
	assert.Contains(t, attrs, DurationKey)
}

func TestTracePeerRecordsError(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TracePeer(context.Background(), "create", "peer-1", "initiator")
	RecordError(ctx, errors.New("ice failed"))
	RecordError(ctx, nil)
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "peer.create", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "ice failed", spans[0].Status().Description)
	assert.Equal(t, "peer-1", attrMap(spans[0].Attributes())[PeerIDKey])
}

func TestTraceSignalAndHTTP(t *testing.T) {
	rec := withRecorder(t)

	_, s1 := TraceSignal(context.Background(), "peer_joined", "peer-2")
	s1.End()
	_, s2 := TraceHTTPRequest(context.Background(), "PUT", "/api/v1/quality")
	s2.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "signal.peer_joined", spans[0].Name())
	assert.Equal(t, "http.PUT", spans[1].Name())
}
