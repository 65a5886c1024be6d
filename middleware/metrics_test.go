package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/gantry-io/gantry/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func runStep(t *testing.T, m middleware.Middleware, handlerErr error) {
	t.Helper()
	p := middleware.NewPipeline(m)
	inv := &middleware.Invocation{Workflow: "order-pipeline", Step: "charge", Attempt: 1}
	_ = p.Run(context.Background(), inv, func(ctx context.Context) error {
		return handlerErr
	})
}

func TestMetricsRecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := middleware.MetricsWithMeter(mp.Meter("test"))

	runStep(t, m, nil)

	rm := collectMetrics(t, reader)
	dur := findMetric(rm, "gantry.step.duration")
	if dur == nil {
		t.Fatal("gantry.step.duration metric not found")
	}

	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points recorded for duration")
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("expected count=1, got %d", hist.DataPoints[0].Count)
	}
}

func TestMetricsRecordsExecutions(t *testing.T) {
	for _, tc := range []struct {
		name       string
		handlerErr error
		wantStatus string
	}{
		{"success", nil, "ok"},
		{"error", errors.New("boom"), "error"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reader, mp := setupTestMeter()
			m := middleware.MetricsWithMeter(mp.Meter("test"))

			runStep(t, m, tc.handlerErr)

			rm := collectMetrics(t, reader)
			execs := findMetric(rm, "gantry.step.executions")
			if execs == nil {
				t.Fatal("gantry.step.executions metric not found")
			}

			sum, ok := execs.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("expected Sum[int64] data type")
			}
			if len(sum.DataPoints) == 0 {
				t.Fatal("no data points recorded")
			}
			if sum.DataPoints[0].Value != 1 {
				t.Errorf("expected value=1, got %d", sum.DataPoints[0].Value)
			}

			found := false
			for _, attr := range sum.DataPoints[0].Attributes.ToSlice() {
				if string(attr.Key) == "status" && attr.Value.AsString() == tc.wantStatus {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected status=%s attribute on executions counter", tc.wantStatus)
			}
		})
	}
}

func TestMetricsAttributes(t *testing.T) {
	reader, mp := setupTestMeter()
	m := middleware.MetricsWithMeter(mp.Meter("test"))

	runStep(t, m, nil)

	rm := collectMetrics(t, reader)
	for _, name := range []string{"gantry.step.duration", "gantry.step.executions"} {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("%s metric not found", name)
			continue
		}

		var attrs []attribute.KeyValue
		switch data := met.Data.(type) {
		case metricdata.Histogram[float64]:
			if len(data.DataPoints) > 0 {
				attrs = data.DataPoints[0].Attributes.ToSlice()
			}
		case metricdata.Sum[int64]:
			if len(data.DataPoints) > 0 {
				attrs = data.DataPoints[0].Attributes.ToSlice()
			}
		}

		attrMap := make(map[string]string, len(attrs))
		for _, a := range attrs {
			if a.Value.Type() == attribute.STRING {
				attrMap[string(a.Key)] = a.Value.AsString()
			}
		}

		expected := map[string]string{
			"workflow": "order-pipeline",
			"step":     "charge",
			"status":   "ok",
		}
		for key, want := range expected {
			got, ok := attrMap[key]
			if !ok {
				t.Errorf("%s: missing attribute %q", name, key)
				continue
			}
			if got != want {
				t.Errorf("%s: attribute %q = %q, want %q", name, key, got, want)
			}
		}
	}
}

func TestMetricsDefaultNoopSafe(t *testing.T) {
	// Calling Metrics() without a global provider must not panic.
	m := middleware.Metrics()

	called := false
	p := middleware.NewPipeline(m)
	inv := &middleware.Invocation{Workflow: "w", Step: "s", Attempt: 1}
	err := p.Run(context.Background(), inv, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}
