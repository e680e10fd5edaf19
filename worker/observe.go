package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/emberq/emberq/worker"

// instruments bundles the worker's OpenTelemetry metrics and tracer.
type instruments struct {
	tracer    trace.Tracer
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	completed, _ := meter.Int64Counter("queue.jobs.completed",
		metric.WithDescription("Jobs that finished successfully"))
	failed, _ := meter.Int64Counter("queue.jobs.failed",
		metric.WithDescription("Jobs that exhausted their attempt budget"))
	retried, _ := meter.Int64Counter("queue.jobs.retried",
		metric.WithDescription("Failed attempts that re-entered the queue"))
	duration, _ := meter.Float64Histogram("queue.job.duration",
		metric.WithDescription("Job processing duration"),
		metric.WithUnit("ms"))
	return &instruments{
		tracer:    otel.Tracer(instrumentationName),
		completed: completed,
		failed:    failed,
		retried:   retried,
		duration:  duration,
	}
}

func (in *instruments) startSpan(ctx context.Context, jobType string, jobID int64) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("job.type", jobType),
			attribute.Int64("job.id", jobID),
		))
}

func (in *instruments) recordComplete(ctx context.Context, jobType string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("job.type", jobType))
	in.completed.Add(ctx, 1, attrs)
	in.duration.Record(ctx, float64(d.Milliseconds()), attrs)
}

func (in *instruments) recordFailed(ctx context.Context, jobType string) {
	in.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("job.type", jobType)))
}

func (in *instruments) recordRetry(ctx context.Context, jobType string) {
	in.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("job.type", jobType)))
}
