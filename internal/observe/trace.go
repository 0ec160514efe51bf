package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Vigil tracer.
const tracerName = "github.com/MrWong99/vigil"

// Span and resource attribute keys shared by the listening, embedding and
// learning paths.
const (
	AttrUserID     = attribute.Key("vigil.user_id")
	AttrSessionID  = attribute.Key("vigil.session_id")
	AttrProfileID  = attribute.Key("vigil.profile_id")
	AttrModelID    = attribute.Key("vigil.embedding.model")
	AttrBackend    = attribute.Key("vigil.embedding.backend")
	AttrStream     = attribute.Key("vigil.stream")
	AttrIsOwner    = attribute.Key("vigil.speaker.is_owner")
	AttrSimilarity = attribute.Key("vigil.speaker.similarity")
	AttrStore      = attribute.Key("vigil.profile_store")
)

// Tracer returns the package-level [trace.Tracer] for Vigil. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts a span for work done on behalf of one listening
// session, tagged with its user and session ids.
func StartSessionSpan(ctx context.Context, name, userID, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		AttrUserID.String(userID),
		AttrSessionID.String(sessionID),
	))
}

// Fail records err on span and marks it failed. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
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

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
