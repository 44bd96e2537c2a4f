package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	peerIDKey
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithPeerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, peerIDKey, id)
}

// ContextLogger decorates a logger with the identifiers carried by a context.
type ContextLogger struct {
	logger *zap.SugaredLogger
}

func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns a logger carrying request_id, peer_id and trace_id from ctx
// when present.
func (cl *ContextLogger) For(ctx context.Context) *zap.SugaredLogger {
	var kv []interface{}

	if id := RequestID(ctx); id != "" {
		kv = append(kv, "request_id", id)
	}
	if id, ok := ctx.Value(peerIDKey).(string); ok && id != "" {
		kv = append(kv, "peer_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		kv = append(kv, "trace_id", sc.TraceID().String())
	}

	if len(kv) == 0 {
		return cl.logger
	}
	return cl.logger.With(kv...)
}

// LogRequest logs one served HTTP request.
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, durationMs int64) {
	l := cl.For(ctx)
	kv := []interface{}{
		"method", method,
		"path", path,
		"status_code", statusCode,
		"duration_ms", durationMs,
	}
	if statusCode >= 500 {
		l.Warnw("http request", kv...)
		return
	}
	l.Debugw("http request", kv...)
}
