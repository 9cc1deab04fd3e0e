package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	stepExecutionCounter metric.Int64Counter
	stepRetryCounter     metric.Int64Counter
	stepLatencyHistogram metric.Float64Histogram
)

// StepMetrics captures the fields recorded for one finished step execution.
type StepMetrics struct {
	Pipeline string
	Job      string
	Step     string
	Kind     string
	Outcome  string
	Duration time.Duration
	Attempts int
}

// RecordStepMetrics emits counters and a latency histogram describing step
// execution behaviour. Metric initialisation failures disable recording.
func RecordStepMetrics(ctx context.Context, metrics StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.name", metrics.Pipeline),
		attribute.String("job.name", metrics.Job),
		attribute.String("step.name", metrics.Step),
		attribute.String("step.kind", metrics.Kind),
		attribute.String("step.outcome", metrics.Outcome),
	}

	stepExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Attempts > 1 {
		stepRetryCounter.Add(ctx, int64(metrics.Attempts-1), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("pap.engine")

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"pap.step.executions_total",
			metric.WithDescription("Step executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepRetryCounter, metricsInitErr = meter.Int64Counter(
			"pap.step.retries_total",
			metric.WithDescription("Retry attempts performed by steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pap.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
