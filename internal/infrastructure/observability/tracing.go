package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "jan-server/chat-sync"
)

// GetTracer returns the tracer for the chat-sync service.
func GetTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// AttemptAttributes returns common attributes for delivery attempt spans.
func AttemptAttributes(attemptID, chatID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("attempt.id", attemptID),
		attribute.String("attempt.chat_id", chatID),
	}
}

// StartAttemptSpan starts a span covering a whole delivery attempt.
func StartAttemptSpan(ctx context.Context, attemptID, chatID string) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "delivery.attempt",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttemptAttributes(attemptID, chatID)...),
	)
}

// StartStepSpan starts a span for one remote call of the pipeline.
func StartStepSpan(ctx context.Context, step string, attempt int) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "delivery.step."+step,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("step.name", step),
			attribute.Int("step.attempt", attempt),
		),
	)
}

// StartFetchSpan starts a span for a snapshot fetch.
func StartFetchSpan(ctx context.Context, chatID, reason string) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "session.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("session.chat_id", chatID),
			attribute.String("fetch.reason", reason),
		),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error, kind string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", kind))
}

// AddStateTransition adds a state transition event to a span.
func AddStateTransition(span trace.Span, fromState, toState string) {
	span.AddEvent("state.transition",
		trace.WithAttributes(
			attribute.String("state.from", fromState),
			attribute.String("state.to", toState),
		),
	)
}

// AddFallbackEvent records that a step moved on to its fallback path.
func AddFallbackEvent(span trace.Span, attempt int, reason string) {
	span.AddEvent("fallback",
		trace.WithAttributes(
			attribute.Int("fallback.attempt", attempt),
			attribute.String("fallback.reason", reason),
		),
	)
}
