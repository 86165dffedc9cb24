package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TurnIDKey is the span attribute carrying the push-to-talk turn or TTS
// utterance identifier.
const TurnIDKey = attribute.Key("pushtalk.turn.id")

type turnIDKey struct{}

// WithTurnID tags ctx with the identifier of the turn or utterance it serves.
// Spans started from the context and loggers derived from it carry the ID.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, id)
}

// TurnID returns the identifier stored by [WithTurnID], or "".
func TurnID(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey{}).(string)
	return id
}

// StartSpan starts a span on the globally registered tracer provider. When
// ctx carries a turn ID it is attached as [TurnIDKey].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := TurnID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(TurnIDKey.String(id)))
	}
	return otel.Tracer(meterName).Start(ctx, name, opts...)
}

// Fail records err on span and marks the span as failed. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" when ctx
// has no sampled or remote span.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger annotated with whatever correlation data
// ctx holds: turn_id, then trace_id and span_id.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := TurnID(ctx); id != "" {
		attrs = append(attrs, slog.String("turn_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
