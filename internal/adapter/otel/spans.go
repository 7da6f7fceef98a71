package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Strob0t/runstream/internal/domain/run"
)

const tracerName = "runstream"

// StartSessionSpan starts a span covering one run attempt's connection.
func StartSessionSpan(ctx context.Context, sessionID string, kind run.SubjectKind, subjectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run.session",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("subject.kind", string(kind)),
			attribute.String("subject.id", subjectID),
		),
	)
}

// EndSessionSpan records the final run state on span and ends it.
func EndSessionSpan(span trace.Span, r *run.Run) {
	if r != nil {
		span.SetAttributes(
			attribute.Int64("run.id", r.ID),
			attribute.String("run.status", string(r.Status)),
			attribute.Int("run.steps", r.StepsCompleted),
		)
		if r.Status == run.StatusFailed {
			span.SetStatus(codes.Error, r.Error)
		}
	}
	span.End()
}

// StartHistorySpan starts a span for a history lookup.
func StartHistorySpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "history."+op)
}
