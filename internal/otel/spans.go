package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for mailpilot spans.
var (
	AttrTaskID      = attribute.Key("mailpilot.task.id")
	AttrMessageID   = attribute.Key("mailpilot.message.id")
	AttrFingerprint = attribute.Key("mailpilot.message.fingerprint")
	AttrSender      = attribute.Key("mailpilot.message.sender")
	AttrAttempt     = attribute.Key("mailpilot.task.attempt")
	AttrModel       = attribute.Key("mailpilot.responder.model")
	AttrReplyID     = attribute.Key("mailpilot.reply.id")
	AttrFailureKind = attribute.Key("mailpilot.failure.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (webhook).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (responder API, Postmark).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
