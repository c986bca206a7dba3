package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control-plane spans and metrics.
var (
	AttrTool    = attribute.Key("missionctl.gateway.tool")
	AttrAttempt = attribute.Key("missionctl.gateway.attempt")
	AttrTopic   = attribute.Key("missionctl.bus.topic")
)

// StartServerSpan starts a span for handling an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// StartClientSpan starts a span for an outbound gateway call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}
