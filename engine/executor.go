package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"tangled.sh/tangled.sh/bobbin/cache"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/secrets"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

// RunInstance drives one instance from Pending to a terminal status and
// returns the error that ended it, if any.
//
// stop is checked between steps only: a step that has started always runs to
// completion, so closing stop never interrupts a command halfway. Cancelling
// ctx on the other hand aborts the running step too.
func (e *Engine) RunInstance(ctx context.Context, inst *models.JobInstance, unlocked []secrets.UnlockedSecret, stop <-chan struct{}) error {
	l := e.l.With("instance", inst.Id.String(), "name", inst.Name())

	if stopped(ctx, stop) {
		return e.cancel(ctx, inst, "cancelled before start")
	}

	ctx, span := e.tracer.Start(ctx, "instance", trace.WithAttributes(
		attribute.String("bobbin.job", inst.Template.Name),
		attribute.String("bobbin.binding", inst.Binding.String()),
	))
	defer span.End()

	if err := inst.Transition(models.StatusKindRunning, nil); err != nil {
		return err
	}
	if err := e.sink.StatusRunning(inst.Id); err != nil {
		l.Error("failed to record status", "error", err)
	}
	l.Info("starting instance")

	ictx := ctx
	timeout := inst.Template.Timeout
	if timeout == 0 {
		timeout = e.jobTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger, err := models.NewInstanceLogger(e.logDir, inst.Id)
	if err != nil {
		return e.fail(ctx, inst, fmt.Errorf("opening instance log: %w", err))
	}
	defer logger.Close()
	if e.output != nil {
		logger.Mirror(e.output, inst.Name())
	}

	err = e.runner.Setup(ictx, inst)
	defer e.destroy(ctx, inst)
	if err != nil {
		return e.fail(ctx, inst, fmt.Errorf("setting up instance: %w", err))
	}

	env := instanceEnv(inst, unlocked)

	for idx, step := range inst.Template.Steps {
		if stopped(ctx, stop) {
			return e.cancel(ctx, inst, fmt.Sprintf("stopped before step %d", idx))
		}
		if errors.Is(ictx.Err(), context.DeadlineExceeded) {
			return e.fail(ctx, inst, &StepError{Index: idx, Step: step.Name, Err: ErrTimedOut})
		}

		res, err := e.runStep(ictx, inst, idx, step, env, logger)
		if rerr := inst.RecordStep(res); rerr != nil {
			return rerr
		}
		if err == nil {
			continue
		}

		// a sibling already failed the job, or the run is going away: this
		// step's failure is a consequence, not a root cause
		if stopped(ctx, stop) {
			return e.cancel(ctx, inst, fmt.Sprintf("stopped during step %d", idx))
		}
		if step.ContinueOnError {
			l.Warn("step failed, continuing", "step", step.Name, "error", err)
			continue
		}
		return e.fail(ctx, inst, &StepError{Index: idx, Step: step.Name, Err: err})
	}

	return e.succeed(ctx, inst)
}

func (e *Engine) runStep(ctx context.Context, inst *models.JobInstance, idx int, step workflow.StepSpec, env map[string]string, logger *models.InstanceLogger) (models.StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "step", trace.WithAttributes(
		attribute.Int("bobbin.step.index", idx),
		attribute.String("bobbin.step.name", step.Name),
	))
	defer span.End()

	res := models.StepResult{Index: idx, Name: step.Name, Kind: string(step.Kind)}
	start := time.Now()

	sctx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	stepEnv := maps.Clone(env)
	maps.Copy(stepEnv, step.Environment)

	if err := logger.StepStart(idx, step); err != nil {
		e.l.Error("failed to write step log", "error", err)
	}

	var err error
	switch step.Kind {
	case workflow.StepKindRestoreCache:
		e.restoreCache(sctx, inst, idx, step.Cache, stepEnv, logger)
	case workflow.StepKindSaveCache:
		e.saveCache(sctx, inst, idx, step.Cache, stepEnv, logger)
	default:
		err = e.runner.RunStep(sctx, inst, idx, models.ConstructEnvs(stepEnv), logger)
	}

	if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimedOut) {
		err = fmt.Errorf("%w: %w", ErrTimedOut, err)
	}
	if err != nil && !errors.Is(err, ErrStepFailed) {
		err = fmt.Errorf("%w: %w", ErrStepFailed, err)
	}

	res.Duration = time.Since(start)
	res.Status = models.StatusKindSucceeded
	if err != nil {
		res.Status = models.StatusKindFailed
		res.Error = err.Error()
		res.Continued = step.ContinueOnError
		span.SetStatus(codes.Error, err.Error())
	}

	if lerr := logger.StepEnd(idx, step, res.Status); lerr != nil {
		e.l.Error("failed to write step log", "error", lerr)
	}
	e.stepTime.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(
		attribute.String("job", inst.Template.Name),
		attribute.String("status", string(res.Status)),
	))

	return res, err
}

// Cache steps never fail an instance: a missing or broken cache only costs
// the next steps some time.
func (e *Engine) restoreCache(ctx context.Context, inst *models.JobInstance, idx int, spec *workflow.CacheSpec, env map[string]string, logger *models.InstanceLogger) {
	out := logger.DataWriter(idx, "stdout")
	if e.cache == nil {
		fmt.Fprintln(out, "no cache store configured, skipping restore")
		return
	}

	key := cache.Key(inst.Template.Name, expand(spec.Key, env))
	blob, ok, err := e.cache.Get(ctx, key)
	switch {
	case err != nil:
		fmt.Fprintf(logger.DataWriter(idx, "stderr"), "cache lookup for %s failed: %v\n", key, err)
	case !ok:
		fmt.Fprintf(out, "cache miss for %s\n", key)
	default:
		if err := cache.Extract(e.runner.Workspace(inst), blob); err != nil {
			fmt.Fprintf(logger.DataWriter(idx, "stderr"), "restoring %s failed: %v\n", key, err)
			return
		}
		fmt.Fprintf(out, "restored %s from %s\n", humanize.Bytes(uint64(len(blob))), key)
	}
}

func (e *Engine) saveCache(ctx context.Context, inst *models.JobInstance, idx int, spec *workflow.CacheSpec, env map[string]string, logger *models.InstanceLogger) {
	out := logger.DataWriter(idx, "stdout")
	if e.cache == nil {
		fmt.Fprintln(out, "no cache store configured, skipping save")
		return
	}

	paths := make([]string, len(spec.Paths))
	for i, p := range spec.Paths {
		paths[i] = expand(p, env)
	}

	key := cache.Key(inst.Template.Name, expand(spec.Key, env))
	blob, err := cache.Archive(e.runner.Workspace(inst), paths)
	if err != nil {
		fmt.Fprintf(logger.DataWriter(idx, "stderr"), "archiving cache %s failed: %v\n", key, err)
		return
	}

	if err := e.cache.Put(ctx, key, blob); err != nil {
		fmt.Fprintf(logger.DataWriter(idx, "stderr"), "saving cache %s failed: %v\n", key, err)
		return
	}
	fmt.Fprintf(out, "saved %s to %s\n", humanize.Bytes(uint64(len(blob))), key)
}

func (e *Engine) succeed(ctx context.Context, inst *models.JobInstance) error {
	if err := inst.Transition(models.StatusKindSucceeded, nil); err != nil {
		return err
	}
	if err := e.sink.StatusSucceeded(inst.Id); err != nil {
		e.l.Error("failed to record status", "instance", inst.Id.String(), "error", err)
	}
	e.count(ctx, inst)
	e.l.Info("instance succeeded", "instance", inst.Id.String(), "name", inst.Name())
	return nil
}

func (e *Engine) fail(ctx context.Context, inst *models.JobInstance, cause error) error {
	if err := inst.Transition(models.StatusKindFailed, cause); err != nil {
		return err
	}
	if err := e.sink.StatusFailed(inst.Id, cause.Error()); err != nil {
		e.l.Error("failed to record status", "instance", inst.Id.String(), "error", err)
	}
	e.count(ctx, inst)
	e.l.Error("instance failed", "instance", inst.Id.String(), "name", inst.Name(), "error", cause)
	return cause
}

// abort fails an instance whose environment could not be prepared, before
// any of its steps ran.
func (e *Engine) abort(ctx context.Context, inst *models.JobInstance, cause error) error {
	if err := e.sink.StatusPending(inst.Id); err != nil {
		e.l.Error("failed to record status", "instance", inst.Id.String(), "error", err)
	}
	if err := inst.Transition(models.StatusKindRunning, nil); err != nil {
		return err
	}
	if err := e.sink.StatusRunning(inst.Id); err != nil {
		e.l.Error("failed to record status", "instance", inst.Id.String(), "error", err)
	}
	return e.fail(ctx, inst, cause)
}

func (e *Engine) cancel(ctx context.Context, inst *models.JobInstance, reason string) error {
	cause := fmt.Errorf("%w: %s", ErrCancelled, reason)
	if err := inst.Transition(models.StatusKindCancelled, cause); err != nil {
		return err
	}
	if err := e.sink.StatusCancelled(inst.Id, reason); err != nil {
		e.l.Error("failed to record status", "instance", inst.Id.String(), "error", err)
	}
	e.count(ctx, inst)
	e.l.Warn("instance cancelled", "instance", inst.Id.String(), "name", inst.Name(), "reason", reason)
	return cause
}

func (e *Engine) count(ctx context.Context, inst *models.JobInstance) {
	e.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", inst.Template.Name),
		attribute.String("status", string(inst.Status())),
	))
}

func (e *Engine) destroy(ctx context.Context, inst *models.JobInstance) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if err := e.runner.Destroy(ctx, inst); err != nil {
		e.l.Error("failed to destroy instance environment", "instance", inst.Id.String(), "error", err)
	}
}

// instanceEnv layers the job environment, the matrix binding and secrets.
func instanceEnv(inst *models.JobInstance, unlocked []secrets.UnlockedSecret) map[string]string {
	env := maps.Clone(inst.Template.Environment)
	if env == nil {
		env = make(map[string]string)
	}
	maps.Copy(env, inst.Binding.Env())
	maps.Copy(env, secrets.Env(unlocked))
	return env
}

func expand(s string, env map[string]string) string {
	return os.Expand(s, func(k string) string { return env[k] })
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
