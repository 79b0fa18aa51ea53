package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys
var (
	AttrMilestone = attribute.Key("orchestrate.milestone")
	AttrWave      = attribute.Key("orchestrate.wave")
	AttrItem      = attribute.Key("orchestrate.item")
	AttrStage     = attribute.Key("orchestrate.stage")
	AttrPR        = attribute.Key("orchestrate.pr")
)

// StartSpan starts an internal span with attributes
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on span, if any, and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
