package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"tangled.sh/tangled.sh/bobbin/cache"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/secrets"
)

const instrumentationName = "tangled.sh/tangled.sh/bobbin/engine"

// RunNotifier is told about every run once its verdict is known.
type RunNotifier interface {
	RunCompleted(ctx context.Context, r *Run)
}

type Engine struct {
	runner   models.StepRunner
	cache    cache.Store
	secrets  secrets.Manager
	sink     models.StatusSink
	notifier RunNotifier
	l        *slog.Logger

	slots      *semaphore.Weighted
	nslots     int64
	logDir     string
	jobTimeout time.Duration
	output     io.Writer

	tracer   trace.Tracer
	outcomes metric.Int64Counter
	stepTime metric.Float64Histogram
}

type Option func(*Engine)

// WithSlots bounds how many instances execute at once, across all runs of
// this engine.
func WithSlots(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.nslots = n
		}
	}
}

func WithCache(s cache.Store) Option {
	return func(e *Engine) { e.cache = s }
}

func WithSecrets(m secrets.Manager) Option {
	return func(e *Engine) { e.secrets = m }
}

func WithStatusSink(s models.StatusSink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithNotifier(n RunNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogDir(dir string) Option {
	return func(e *Engine) { e.logDir = dir }
}

// WithJobTimeout bounds instances whose job declares no timeout of its own.
func WithJobTimeout(d time.Duration) Option {
	return func(e *Engine) { e.jobTimeout = d }
}

// WithOutput mirrors every step's output to w, prefixed by instance name.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.output = w }
}

func New(ctx context.Context, runner models.StepRunner, opts ...Option) (*Engine, error) {
	e := &Engine{
		runner: runner,
		sink:   nopSink{},
		l:      log.FromContext(ctx).With("component", "engine"),
		nslots: int64(runtime.NumCPU()),
		logDir: filepath.Join(os.TempDir(), "bobbin", "logs"),
		tracer: otel.Tracer(instrumentationName),
	}

	for _, o := range opts {
		o(e)
	}

	if e.sink == nil {
		e.sink = nopSink{}
	}
	e.slots = semaphore.NewWeighted(e.nslots)

	meter := otel.Meter(instrumentationName)

	var err error
	e.outcomes, err = meter.Int64Counter(
		"bobbin.instance.outcomes",
		metric.WithDescription("Job instances that reached a terminal status."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	e.stepTime, err = meter.Float64Histogram(
		"bobbin.step.duration",
		metric.WithDescription("Wall time of individual steps."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) Slots() int64 {
	return e.nslots
}

func (e *Engine) LogDir() string {
	return e.logDir
}

type nopSink struct{}

func (nopSink) CreateRun(models.RunRecord) error                { return nil }
func (nopSink) FinishRun(string, models.Verdict) error          { return nil }
func (nopSink) StatusPending(models.InstanceId) error           { return nil }
func (nopSink) StatusRunning(models.InstanceId) error           { return nil }
func (nopSink) StatusSucceeded(models.InstanceId) error         { return nil }
func (nopSink) StatusFailed(models.InstanceId, string) error    { return nil }
func (nopSink) StatusCancelled(models.InstanceId, string) error { return nil }
