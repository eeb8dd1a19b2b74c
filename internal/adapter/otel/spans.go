package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lawai.orchestration"

// StartPlanSpan starts a span for one director planning call.
func StartPlanSpan(ctx context.Context, orgID, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "director.plan",
		trace.WithAttributes(
			attribute.String("org.id", orgID),
			attribute.String("session.id", sessionID),
		),
	)
}

// StartReviewSpan starts a span for one safety review.
func StartReviewSpan(ctx context.Context, sessionID, commandID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "safety.review",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("command.id", commandID),
		),
	)
}

// StartExecuteSpan starts a span for running one claimed job.
func StartExecuteSpan(ctx context.Context, jobID, commandID, domain string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "worker.execute",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("command.id", commandID),
			attribute.String("domain", domain),
		),
	)
}

// StartDrainSpan starts a span for one queue drain tick.
func StartDrainSpan(ctx context.Context, orgID, worker string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "queue.drain",
		trace.WithAttributes(
			attribute.String("org.id", orgID),
			attribute.String("worker", worker),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
