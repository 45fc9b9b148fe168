package models

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"tangled.sh/tangled.sh/bobbin/workflow"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

	ErrInvalidStepRecord = errors.New("invalid step record")
)

// InstanceId identifies one job instance within a run.
type InstanceId struct {
	RunId string
	Job   string
	Index int
}

func (id InstanceId) String() string {
	return fmt.Sprintf("%s-%s-%d", normalize(id.RunId), normalize(id.Job), id.Index)
}

func normalize(name string) string {
	return re.ReplaceAllString(name, "-")
}

type StepStatus string

const (
	StepStatusStart StepStatus = "start"
	StepStatusEnd   StepStatus = "end"
)

// StepResult records how one step ended.
type StepResult struct {
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Status    StatusKind    `json:"status"`
	Error     string        `json:"error,omitempty"`
	Continued bool          `json:"continued,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// JobInstance is one matrix cell of a job. The template is shared read-only
// with every sibling; all mutable state sits behind mu and is owned by the
// scheduler that runs the instance.
type JobInstance struct {
	Id       InstanceId
	Template *workflow.JobTemplate
	Binding  workflow.Binding

	mu         sync.Mutex
	status     StatusKind
	cursor     int
	results    []StepResult
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// Instantiate expands a template into its pending instances, one per
// matrix binding, in expansion order.
func Instantiate(runId string, tpl *workflow.JobTemplate) []*JobInstance {
	bindings := workflow.Expand(tpl.Axes)
	instances := make([]*JobInstance, 0, len(bindings))

	for i, b := range bindings {
		instances = append(instances, &JobInstance{
			Id:       InstanceId{RunId: runId, Job: tpl.Name, Index: i},
			Template: tpl,
			Binding:  b,
			status:   StatusKindPending,
		})
	}

	return instances
}

// Name is the display name, e.g. "test (linux, stable)".
func (i *JobInstance) Name() string {
	if len(i.Binding) == 0 {
		return i.Template.Name
	}
	return fmt.Sprintf("%s (%s)", i.Template.Name, i.Binding.Values())
}

func (i *JobInstance) Required() bool {
	return !i.Template.Optional
}

func (i *JobInstance) Status() StatusKind {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// StepCursor is the index of the next step to execute, or of the step that
// failed the instance.
func (i *JobInstance) StepCursor() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cursor
}

func (i *JobInstance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *JobInstance) Results() []StepResult {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]StepResult, len(i.results))
	copy(out, i.results)
	return out
}

// Transition moves the instance to next, recording err for terminal states.
func (i *JobInstance) Transition(next StatusKind, err error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.status.CanTransition(next) {
		return &InvalidTransitionError{From: i.status, To: next}
	}

	now := time.Now()
	switch {
	case next == StatusKindRunning:
		i.startedAt = now
	case next.IsFinish():
		i.finishedAt = now
		i.err = err
	}
	i.status = next

	return nil
}

// RecordStep appends a step result. The cursor advances past steps that
// succeeded or were allowed to fail and stays on a step that failed the
// instance.
func (i *JobInstance) RecordStep(r StepResult) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.status != StatusKindRunning {
		return fmt.Errorf("%w: step %d: instance is %s", ErrInvalidStepRecord, r.Index, i.status)
	}
	if r.Index != i.cursor {
		return fmt.Errorf("%w: step %d: cursor is at %d", ErrInvalidStepRecord, r.Index, i.cursor)
	}

	i.results = append(i.results, r)
	if r.Status == StatusKindSucceeded || r.Continued {
		i.cursor++
	}

	return nil
}

// InstanceRecord is a point-in-time copy of an instance for reporting.
type InstanceRecord struct {
	Id         string           `json:"id"`
	Job        string           `json:"job"`
	Name       string           `json:"name"`
	Binding    workflow.Binding `json:"binding"`
	Required   bool             `json:"required"`
	Status     StatusKind       `json:"status"`
	StepCursor int              `json:"step_cursor"`
	Steps      []StepResult     `json:"steps"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at,omitzero"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
}

func (i *JobInstance) Record() InstanceRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	r := InstanceRecord{
		Id:         i.Id.String(),
		Job:        i.Template.Name,
		Name:       i.Name(),
		Binding:    i.Binding,
		Required:   !i.Template.Optional,
		Status:     i.status,
		StepCursor: i.cursor,
		Steps:      append([]StepResult(nil), i.results...),
		StartedAt:  i.startedAt,
		FinishedAt: i.finishedAt,
	}
	if i.err != nil {
		r.Error = i.err.Error()
	}
	return r
}

func (r InstanceRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
