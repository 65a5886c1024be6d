package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for gantry tracing.
const tracerName = "github.com/gantry-io/gantry"

// TracingMiddleware wraps step execution in an OpenTelemetry span.
type TracingMiddleware struct {
	Base
	tracer trace.Tracer
}

// Tracing returns tracing middleware using the global TracerProvider.
// With no provider configured the noop tracer makes this a
// pass-through with zero overhead.
//
// Span attributes: gantry.workflow, gantry.execution.id, gantry.step,
// gantry.attempt. On error the span status is set to codes.Error.
func Tracing() *TracingMiddleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided
// tracer, for tests or multi-provider setups.
func TracingWithTracer(tracer trace.Tracer) *TracingMiddleware {
	return &TracingMiddleware{tracer: tracer}
}

func (m *TracingMiddleware) Name() string { return "tracing" }

func (m *TracingMiddleware) BeforeExecute(ctx context.Context, inv *Invocation, mc Context) error {
	_, span := m.tracer.Start(ctx, "gantry.step.execute",
		trace.WithAttributes(
			attribute.String("gantry.workflow", inv.Workflow),
			attribute.String("gantry.execution.id", inv.ExecutionID.String()),
			attribute.String("gantry.step", inv.Step),
			attribute.Int("gantry.attempt", inv.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	mc["span"] = span
	return nil
}

func (m *TracingMiddleware) OnError(ctx context.Context, inv *Invocation, mc Context, err error) {
	if span, ok := mc["span"].(trace.Span); ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// OnComplete ends the span so it covers the full phase chain on both
// success and failure paths.
func (m *TracingMiddleware) OnComplete(ctx context.Context, inv *Invocation, mc Context, err error) {
	span, ok := mc["span"].(trace.Span)
	if !ok {
		return
	}
	if err == nil {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
