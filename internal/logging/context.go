package logging

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	threadCtxKey  struct{}
	ticketCtxKey  struct{}
	stageCtxKey   struct{}
	requestCtxKey struct{}
)

const maxIDLen = 128

// For returns base with the correlation fields found in ctx.
func For(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ContextFields extracts correlation data from ctx: the OpenTelemetry span
// and the run identifiers attached with the With* helpers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	for _, kv := range []struct {
		key   string
		ctxID any
	}{
		{"thread_id", threadCtxKey{}},
		{"ticket_id", ticketCtxKey{}},
		{"stage", stageCtxKey{}},
		{"request.id", requestCtxKey{}},
	} {
		if v, ok := ctx.Value(kv.ctxID).(string); ok {
			fields = append(fields, zap.String(kv.key, v))
		}
	}
	return fields
}

// WithThreadID attaches a run's thread id.
func WithThreadID(ctx context.Context, id string) context.Context {
	return withID(ctx, threadCtxKey{}, id)
}

// WithTicketID attaches the ticket a run works on.
func WithTicketID(ctx context.Context, id string) context.Context {
	return withID(ctx, ticketCtxKey{}, id)
}

// WithStage attaches the stage currently executing.
func WithStage(ctx context.Context, stage string) context.Context {
	return withID(ctx, stageCtxKey{}, stage)
}

// WithRequestID attaches an inbound request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id)
}

// ThreadIDFromContext returns the thread id, or "".
func ThreadIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(threadCtxKey{}).(string)
	return v
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestCtxKey{}).(string)
	return v
}

// withID stores a sanitized identifier. Empty or unusable values leave ctx
// unchanged; ids come from clients and must never abort a request.
func withID(ctx context.Context, key any, id string) context.Context {
	id = sanitizeID(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func sanitizeID(id string) string {
	id = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.TrimSpace(id))
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return strings.ToValidUTF8(id, "")
}
