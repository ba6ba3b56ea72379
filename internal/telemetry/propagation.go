package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Inject writes the span context of ctx into props so it survives a trip
// through the broker.
func Inject(ctx context.Context, props map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(props))
}

// Extract restores a remote span context previously written by Inject.
func Extract(ctx context.Context, props map[string]string) context.Context {
	if len(props) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(props))
}

// StartConsumerSpan starts a consumer span linked to the producer's trace.
func StartConsumerSpan(ctx context.Context, tracerName, topic, key string, props map[string]string) (context.Context, trace.Span) {
	ctx = Extract(ctx, props)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "consume "+topic, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.message.key", key),
	)
	return ctx, span
}
