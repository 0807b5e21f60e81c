package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// Tracer returns a tracer from the global provider, named skillet unless
// name is given.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = DefaultServiceName
	}
	return otel.GetTracerProvider().Tracer(name)
}

// WithSpan runs f inside a child span and records its error, if any, on
// the span.
func WithSpan(ctx context.Context, name string, f func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := Tracer("").Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := f(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		span.SetAttributes(attribute.String("skill.error_kind", string(invocation.KindOf(err))))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// PlanAttributes describes a resolved plan without leaking config or env
// values.
func PlanAttributes(plan *invocation.Plan) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("skill.name", plan.Skill),
		attribute.String("skill.instance", plan.Instance),
		attribute.String("skill.tool", plan.Tool),
		attribute.String("skill.runtime", string(plan.Runtime)),
		attribute.Int64("skill.timeout_ms", plan.Capabilities.TimeoutMS),
		attribute.Bool("skill.network_access", plan.Capabilities.NetworkAccess),
		attribute.StringSlice("skill.domains", plan.Domains),
	}
}
