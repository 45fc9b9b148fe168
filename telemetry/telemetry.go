// Package telemetry sets up OpenTelemetry tracing and metrics for the
// server and exposes the HTTP middleware that feeds them.
package telemetry

import (
	"context"
	"errors"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

type Options struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector address; unused in dev mode.
	Endpoint       string
	Dev            bool
	MetricInterval time.Duration
}

// Telemetry owns the global tracer and meter providers. The engine and the
// notifiers reach them through the otel package.
type Telemetry struct {
	tp    *trace.TracerProvider
	mp    *metric.MeterProvider
	meter otelmetric.Meter

	serviceName string
}

func NewTelemetry(ctx context.Context, opts Options) (*Telemetry, error) {
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = 10 * time.Second
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	)

	tp, err := newTracerProvider(ctx, res, opts)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(ctx, res, opts)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx))
	}

	return &Telemetry{
		tp:    tp,
		mp:    mp,
		meter: mp.Meter(opts.ServiceName),

		serviceName: opts.ServiceName,
	}, nil
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

// Shutdown flushes both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
