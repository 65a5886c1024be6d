package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for gantry metrics.
const meterName = "github.com/gantry-io/gantry"

// MetricsMiddleware records per-step execution metrics.
type MetricsMiddleware struct {
	Base
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

// Metrics returns middleware that records step metrics using the global
// OTel MeterProvider. With no provider configured the noop instruments
// make this a pass-through.
//
// Instruments:
//   - gantry.step.duration (Float64Histogram): execution time in
//     seconds, with attributes workflow, step, status ("ok" or "error")
//   - gantry.step.executions (Int64Counter): total step executions,
//     same attributes
func Metrics() *MetricsMiddleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter,
// for injecting a specific MeterProvider in tests.
func MetricsWithMeter(meter metric.Meter) *MetricsMiddleware {
	// Instruments are created once; creation errors fall back to noop
	// instruments per the OTel API contract.
	duration, _ := meter.Float64Histogram(
		"gantry.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"gantry.step.executions",
		metric.WithDescription("Total number of step executions"),
		metric.WithUnit("{execution}"),
	)
	return &MetricsMiddleware{duration: duration, executions: executions}
}

func (m *MetricsMiddleware) Name() string { return "metrics" }

func (m *MetricsMiddleware) BeforeExecute(ctx context.Context, inv *Invocation, mc Context) error {
	mc["start"] = time.Now()
	return nil
}

func (m *MetricsMiddleware) OnComplete(ctx context.Context, inv *Invocation, mc Context, err error) {
	var elapsed float64
	if start, ok := mc["start"].(time.Time); ok {
		elapsed = time.Since(start).Seconds()
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", inv.Workflow),
		attribute.String("step", inv.Step),
		attribute.String("status", status),
	)
	m.duration.Record(ctx, elapsed, attrs)
	m.executions.Add(ctx, 1, attrs)
}
