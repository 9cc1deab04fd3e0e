package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecordStepMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()

	RecordStepMetrics(ctx, StepMetrics{
		Pipeline: "firmware-triage",
		Job:      "unpack",
		Step:     "extract",
		Kind:     "process",
		Outcome:  "succeeded",
		Duration: 150 * time.Millisecond,
		Attempts: 2,
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	sumExec, ok := metrics["pap.step.executions_total"]
	if !ok {
		t.Fatalf("missing pap.step.executions_total metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("step.kind")); !ok || value.AsString() != "process" {
		t.Fatalf("expected step.kind attribute to be process, got %v", value)
	}

	sumRetry, ok := metrics["pap.step.retries_total"]
	if !ok {
		t.Fatalf("missing pap.step.retries_total metric")
	}
	retryData := sumRetry.Data.(metricdata.Sum[int64])
	if retryData.DataPoints[0].Value != 1 {
		t.Fatalf("expected retry count 1, got %d", retryData.DataPoints[0].Value)
	}

	hist, ok := metrics["pap.step.duration_ms"]
	if !ok {
		t.Fatalf("missing pap.step.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}
