package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "opserver"

// StartRunSpan starts a span covering a run request up to its response.
func StartRunSpan(ctx context.Context, operation, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session.run",
		trace.WithAttributes(
			attribute.String("operation.id", operation),
			attribute.String("session.mode", mode),
		),
	)
}

// StartFinalizeSpan starts a span for collecting a finished session's outputs.
func StartFinalizeSpan(ctx context.Context, sessionID, operation, state string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session.finalize",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("operation.id", operation),
			attribute.String("session.state", state),
		),
	)
}
