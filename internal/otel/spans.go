package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawmesh/internal/apperr"
)

// Standard attribute keys for clawmesh spans.
var (
	AttrSessionID = attribute.Key("clawmesh.session.id")
	AttrJobName   = attribute.Key("clawmesh.job.name")
	AttrBackend   = attribute.Key("clawmesh.backend")
	AttrOperation = attribute.Key("clawmesh.backend.op")
	AttrAgentName = attribute.Key("clawmesh.agent.name")
	AttrOutcome   = attribute.Key("clawmesh.outcome")
	AttrErrorCode = attribute.Key("clawmesh.error.code")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (job backend, agent dispatch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err's taxonomy code on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		code := string(apperr.CodeOf(err))
		span.SetAttributes(AttrErrorCode.String(code))
		span.SetStatus(codes.Error, code)
	}
	span.End()
}
