package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "companion"

// StartSpawnSpan starts a span for launching an agent process.
func StartSpawnSpan(ctx context.Context, sessionID, agentName, agentType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.spawn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("agent.name", agentName),
			attribute.String("agent.type", agentType),
		),
	)
}

// StartContainerSpan starts a span for a sandbox container operation.
func StartContainerSpan(ctx context.Context, op, sessionID, image string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "container."+op,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("container.image", image),
		),
	)
}

// StartBuildSpan starts a span for an image build.
func StartBuildSpan(ctx context.Context, tag string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "image.build",
		trace.WithAttributes(attribute.String("image.tag", tag)),
	)
}
