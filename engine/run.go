package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/secrets"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

var ErrEmptySelection = errors.New("selector matches no job instance")

// Run is one execution of a pipeline in response to one trigger.
type Run struct {
	Id        string
	Pipeline  *workflow.Pipeline
	Trigger   workflow.TriggerEvent
	Instances []*models.JobInstance

	mu       sync.Mutex
	verdict  models.Verdict
	started  time.Time
	finished time.Time
}

// Failure names one required instance that did not succeed, enough to
// reproduce the cell with a selector.
type Failure struct {
	Instance string            `json:"instance"`
	Job      string            `json:"job"`
	Binding  workflow.Binding  `json:"binding"`
	Status   models.StatusKind `json:"status"`
	Error    string            `json:"error,omitempty"`
}

// Selector renders the failure as a --only argument.
func (f Failure) Selector() string {
	return workflow.FormatSelector(f.Job, f.Binding)
}

// NewRun checks the trigger against the pipeline's filter and instantiates
// every job, keeping only the cells sel matches. Nothing is executed.
func (e *Engine) NewRun(p *workflow.Pipeline, ev workflow.TriggerEvent, sel *workflow.Selector) (*Run, error) {
	if p.Filter != nil {
		if err := p.Filter.Check(ev); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}

	if err := sel.Validate(p); err != nil {
		return nil, err
	}

	r := &Run{
		Id:       NewRunId(),
		Pipeline: p,
		Trigger:  ev,
		verdict:  models.VerdictPending,
	}

	for _, tpl := range p.Jobs {
		for _, inst := range models.Instantiate(r.Id, tpl) {
			if sel.Match(tpl.Name, inst.Binding) {
				r.Instances = append(r.Instances, inst)
			}
		}
	}

	if len(r.Instances) == 0 {
		var d workflow.Diagnostics
		d.AddError("selector", ErrEmptySelection)
		return nil, &workflow.ConfigurationError{Diagnostics: d}
	}

	return r, nil
}

// Execute schedules every instance of r, waits for all of them to finish
// and computes the verdict.
func (e *Engine) Execute(ctx context.Context, r *Run) (models.Verdict, error) {
	l := e.l.With("run", r.Id, "pipeline", r.Pipeline.Name)

	ctx, span := e.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("bobbin.run", r.Id),
		attribute.String("bobbin.pipeline", r.Pipeline.Name),
		attribute.String("bobbin.trigger", string(r.Trigger.Kind)),
		attribute.Int("bobbin.instances", len(r.Instances)),
	))
	defer span.End()

	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()

	if err := e.sink.CreateRun(r.Record()); err != nil {
		l.Error("failed to record run", "error", err)
	}
	l.Info("starting run", "instances", len(r.Instances), "slots", e.nslots)

	unlocked, err := e.unlockSecrets(ctx, r)
	if err != nil {
		cause := fmt.Errorf("unlocking secrets: %w", err)
		for _, inst := range r.Instances {
			if aerr := e.abort(ctx, inst, cause); isInternal(aerr) {
				l.Error("failing instance", "instance", inst.Id.String(), "error", aerr)
			}
		}
		e.finish(ctx, r, models.VerdictFailure)
		span.SetStatus(codes.Error, cause.Error())
		return models.VerdictFailure, cause
	}

	if err := e.Schedule(ctx, r.Instances, unlocked); err != nil {
		l.Error("scheduling run", "error", err)
		e.finish(ctx, r, models.VerdictFailure)
		span.SetStatus(codes.Error, err.Error())
		return models.VerdictFailure, err
	}

	verdict, failures := r.Aggregate()
	for _, f := range failures {
		l.Warn("required instance did not succeed", "instance", f.Instance, "status", f.Status, "error", f.Error)
	}
	e.finish(ctx, r, verdict)

	if verdict == models.VerdictFailure {
		span.SetStatus(codes.Error, "run failed")
	}
	l.Info("run finished", "verdict", verdict, "failures", len(failures))

	return verdict, nil
}

// StartRun builds and executes a run in one go.
func (e *Engine) StartRun(ctx context.Context, p *workflow.Pipeline, ev workflow.TriggerEvent, sel *workflow.Selector) (*Run, error) {
	r, err := e.NewRun(p, ev, sel)
	if err != nil {
		return nil, err
	}
	_, err = e.Execute(ctx, r)
	return r, err
}

func (e *Engine) unlockSecrets(ctx context.Context, r *Run) ([]secrets.UnlockedSecret, error) {
	if e.secrets == nil {
		return nil, nil
	}
	return secrets.Unlock(ctx, e.secrets, secrets.Scope(r.Pipeline.Name))
}

func (e *Engine) finish(ctx context.Context, r *Run, verdict models.Verdict) {
	r.mu.Lock()
	r.verdict = verdict
	r.finished = time.Now()
	r.mu.Unlock()

	if err := e.sink.FinishRun(r.Id, verdict); err != nil {
		e.l.Error("failed to record verdict", "run", r.Id, "error", err)
	}
	if e.notifier != nil {
		e.notifier.RunCompleted(ctx, r)
	}
}

// Aggregate computes the verdict from the instances' statuses. It is
// Pending while any instance is not terminal, Success when every required
// instance Succeeded and Failure otherwise. Failures lists every required
// instance that did not succeed, in instance order.
func (r *Run) Aggregate() (models.Verdict, []Failure) {
	var failures []Failure

	for _, inst := range r.Instances {
		status := inst.Status()
		if !status.IsFinish() {
			return models.VerdictPending, nil
		}
		if status == models.StatusKindSucceeded || !inst.Required() {
			continue
		}

		f := Failure{
			Instance: inst.Name(),
			Job:      inst.Template.Name,
			Binding:  inst.Binding,
			Status:   status,
		}
		if err := inst.Err(); err != nil {
			f.Error = err.Error()
		}
		failures = append(failures, f)
	}

	if len(failures) > 0 {
		return models.VerdictFailure, failures
	}
	return models.VerdictSuccess, nil
}

func (r *Run) Verdict() models.Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verdict
}

func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		return 0
	}
	if r.finished.IsZero() {
		return time.Since(r.started)
	}
	return r.finished.Sub(r.started)
}

func (r *Run) Record() models.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RunRecord{
		Id:       r.Id,
		Pipeline: r.Pipeline.Name,
		Trigger:  r.Trigger,
		Verdict:  r.verdict,
		Started:  r.started,
		Finished: r.finished,
	}
}
