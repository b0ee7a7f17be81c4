package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the earshot tracer.
const tracerName = "github.com/MrWong99/earshot"

// Tracer returns the package-level [trace.Tracer] for earshot. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SegmentAttrs returns the span attributes recorded for one transcribed
// segment.
func SegmentAttrs(seq uint64, session string, audioSeconds float64) trace.SpanStartEventOption {
	return trace.WithAttributes(
		attribute.Int64("earshot.segment.seq", int64(seq)),
		attribute.String("earshot.session.id", session),
		attribute.Float64("earshot.segment.audio_seconds", audioSeconds),
	)
}

type sessionKey struct{}

// WithSession returns a context carrying the listening-session ID. Segment
// spans and log lines derived from the context report it.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFrom returns the session ID stored by [WithSession], or "".
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx, plus the session ID if one is attached.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := SessionFrom(ctx); id != "" {
		l = l.With(slog.String("session", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
