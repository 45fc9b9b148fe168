// Package metrics records run outcomes as OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/notify"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

type metricsNotifier struct {
	runs     otelmetric.Int64Counter
	rejected otelmetric.Int64Counter
	duration otelmetric.Int64Histogram
	notify.BaseNotifier
}

func NewMetricsNotifier(meter otelmetric.Meter) (notify.Notifier, error) {
	runs, err := meter.Int64Counter("runs_completed",
		otelmetric.WithDescription("Runs that reached a verdict."))
	if err != nil {
		return nil, fmt.Errorf("creating runs_completed counter: %w", err)
	}
	rejected, err := meter.Int64Counter("runs_rejected",
		otelmetric.WithDescription("Trigger events the pipeline filter rejected."))
	if err != nil {
		return nil, fmt.Errorf("creating runs_rejected counter: %w", err)
	}
	duration, err := meter.Int64Histogram("run_duration_millis",
		otelmetric.WithDescription("Wall time of a run, in milliseconds."),
		otelmetric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("creating run_duration_millis histogram: %w", err)
	}

	return &metricsNotifier{
		runs:     runs,
		rejected: rejected,
		duration: duration,
	}, nil
}

func (n *metricsNotifier) RunCompleted(ctx context.Context, r *engine.Run) {
	verdict, _ := r.Aggregate()
	attrs := otelmetric.WithAttributes(
		attribute.String("pipeline", r.Pipeline.Name),
		attribute.String("verdict", string(verdict)),
	)
	n.runs.Add(ctx, 1, attrs)
	n.duration.Record(ctx, r.Duration().Milliseconds(), attrs)
}

func (n *metricsNotifier) RunRejected(ctx context.Context, pipeline string, ev workflow.TriggerEvent, _ error) {
	n.rejected.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("trigger", string(ev.Kind)),
	))
}
