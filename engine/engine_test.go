package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/secrets"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

// fakeRunner executes steps in memory. Commands it understands:
//
//	ok      succeed
//	fail    exit 1
//	sleep   block until the step context ends
//	touch   create "artifact" in the workspace
//	check   fail unless "artifact" exists in the workspace
type fakeRunner struct {
	dir string

	mu         sync.Mutex
	ran        map[string][]int
	envs       map[string]models.EnvVars
	running    int
	maxRunning int
	setups     int
	destroys   int

	setupErr error
	delay    time.Duration
	// onStep runs before a step's command, e.g. to stop a job mid-run
	onStep func(inst *models.JobInstance, idx int)
	// failWhen fails the command of matching instances, whatever it says
	failWhen func(inst *models.JobInstance) bool
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{
		dir:  t.TempDir(),
		ran:  make(map[string][]int),
		envs: make(map[string]models.EnvVars),
	}
}

func (f *fakeRunner) Workspace(inst *models.JobInstance) string {
	return filepath.Join(f.dir, inst.Id.String())
}

func (f *fakeRunner) Setup(_ context.Context, inst *models.JobInstance) error {
	f.mu.Lock()
	f.setups++
	f.mu.Unlock()
	if f.setupErr != nil {
		return f.setupErr
	}
	return os.MkdirAll(f.Workspace(inst), 0755)
}

func (f *fakeRunner) Destroy(context.Context, *models.JobInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func (f *fakeRunner) RunStep(ctx context.Context, inst *models.JobInstance, idx int, env models.EnvVars, l *models.InstanceLogger) error {
	f.mu.Lock()
	f.ran[inst.Id.String()] = append(f.ran[inst.Id.String()], idx)
	f.envs[inst.Id.String()] = env
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.onStep != nil {
		f.onStep(inst, idx)
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fmt.Fprintf(l.DataWriter(idx, "stdout"), "running %s\n", inst.Template.Steps[idx].Command)

	if f.failWhen != nil && f.failWhen(inst) {
		return &ExitError{Code: 1}
	}

	switch inst.Template.Steps[idx].Command {
	case "fail":
		return &ExitError{Code: 1}
	case "sleep":
		<-ctx.Done()
		return ctx.Err()
	case "touch":
		return os.WriteFile(filepath.Join(f.Workspace(inst), "artifact"), []byte("built"), 0644)
	case "check":
		if _, err := os.Stat(filepath.Join(f.Workspace(inst), "artifact")); err != nil {
			return &ExitError{Code: 2}
		}
	}
	return nil
}

func (f *fakeRunner) stepsRun(inst *models.JobInstance) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ran[inst.Id.String()])
}

func newTestEngine(t *testing.T, runner models.StepRunner, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogDir(t.TempDir())}, opts...)
	e, err := New(context.Background(), runner, opts...)
	require.NoError(t, err)
	return e
}

func steps(cmds ...string) []workflow.StepSpec {
	out := make([]workflow.StepSpec, len(cmds))
	for i, c := range cmds {
		out[i] = workflow.StepSpec{Name: c, Kind: workflow.StepKindRun, Command: c}
	}
	return out
}

func single(tpl *workflow.JobTemplate) *models.JobInstance {
	return models.Instantiate("run", tpl)[0]
}

func TestRunInstance_AllStepsSucceed(t *testing.T) {
	r := newFakeRunner(t)
	e := newTestEngine(t, r)
	inst := single(&workflow.JobTemplate{Name: "lint", Steps: steps("ok", "ok", "ok")})

	require.NoError(t, e.RunInstance(context.Background(), inst, nil, nil))
	assert.Equal(t, models.StatusKindSucceeded, inst.Status())
	assert.Equal(t, 3, inst.StepCursor())
	assert.Equal(t, []int{0, 1, 2}, r.stepsRun(inst))
	assert.Equal(t, 1, r.setups)
	assert.Equal(t, 1, r.destroys)
}

func TestRunInstance_FailureFreezesCursor(t *testing.T) {
	r := newFakeRunner(t)
	e := newTestEngine(t, r)
	inst := single(&workflow.JobTemplate{Name: "test", Steps: steps("ok", "fail", "ok", "ok")})

	err := e.RunInstance(context.Background(), inst, nil, nil)

	var serr *StepError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 1, serr.Index)
	assert.ErrorIs(t, err, ErrStepFailed)

	assert.Equal(t, models.StatusKindFailed, inst.Status())
	assert.Equal(t, 1, inst.StepCursor(), "cursor stays on the failing step")
	assert.Equal(t, []int{0, 1}, r.stepsRun(inst), "no step after the failure runs")
	assert.Equal(t, 1, r.destroys, "environment is torn down after a failure")
}

func TestRunInstance_ContinueOnError(t *testing.T) {
	r := newFakeRunner(t)
	e := newTestEngine(t, r)

	s := steps("ok", "fail", "ok")
	s[1].ContinueOnError = true
	inst := single(&workflow.JobTemplate{Name: "test", Steps: s})

	require.NoError(t, e.RunInstance(context.Background(), inst, nil, nil))
	assert.Equal(t, models.StatusKindSucceeded, inst.Status())
	assert.Equal(t, []int{0, 1, 2}, r.stepsRun(inst))

	results := inst.Results()
	require.Len(t, results, 3)
	assert.Equal(t, models.StatusKindFailed, results[1].Status)
	assert.True(t, results[1].Continued)
}

func TestRunInstance_StepTimeoutIsStepFailure(t *testing.T) {
	r := newFakeRunner(t)
	e := newTestEngine(t, r)

	s := steps("ok", "sleep", "ok")
	s[1].Timeout = 20 * time.Millisecond
	inst := single(&workflow.JobTemplate{Name: "test", Steps: s})

	err := e.RunInstance(context.Background(), inst, nil, nil)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.Equal(t, models.StatusKindFailed, inst.Status())
	assert.Equal(t, 1, inst.StepCursor())
}

func TestRunInstance_JobTimeout(t *testing.T) {
	r := newFakeRunner(t)
	e := newTestEngine(t, r, WithJobTimeout(20*time.Millisecond))
	inst := single(&workflow.JobTemplate{Name: "test", Steps: steps("sleep", "ok")})

	err := e.RunInstance(context.Background(), inst, nil, nil)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, models.StatusKindFailed, inst.Status())
	assert.Equal(t, []int{0}, r.stepsRun(inst))
}

func TestRunInstance_StopLetsInFlightStepFinish(t *testing.T) {
	r := newFakeRunner(t)
	r.delay = 10 * time.Millisecond
	e := newTestEngine(t, r)

	stop := make(chan struct{})
	r.onStep = func(_ *models.JobInstance, idx int) {
		if idx == 0 {
			close(stop)
		}
	}
	inst := single(&workflow.JobTemplate{Name: "test", Steps: steps("ok", "ok", "ok")})

	err := e.RunInstance(context.Background(), inst, nil, stop)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, models.StatusKindCancelled, inst.Status())
	assert.Equal(t, []int{0}, r.stepsRun(inst))

	results := inst.Results()
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusKindSucceeded, results[0].Status, "the step that had started ran to completion")
}

func TestRunInstance_StoppedBeforeStart(t *testing.T) {
	r := newFakeRunner(t)
	e := newTestEngine(t, r)

	stop := make(chan struct{})
	close(stop)
	inst := single(&workflow.JobTemplate{Name: "test", Steps: steps("ok")})

	assert.ErrorIs(t, e.RunInstance(context.Background(), inst, nil, stop), ErrCancelled)
	assert.Equal(t, models.StatusKindCancelled, inst.Status())
	assert.Empty(t, r.stepsRun(inst))
	assert.Zero(t, r.setups)
}

func TestRunInstance_SetupFailure(t *testing.T) {
	r := newFakeRunner(t)
	r.setupErr = errors.New("no such image")
	e := newTestEngine(t, r)
	inst := single(&workflow.JobTemplate{Name: "test", Steps: steps("ok")})

	err := e.RunInstance(context.Background(), inst, nil, nil)
	assert.ErrorContains(t, err, "no such image")
	assert.Equal(t, models.StatusKindFailed, inst.Status())
	assert.Equal(t, 1, r.destroys)
	assert.Empty(t, r.stepsRun(inst))
}

func TestRunInstance_Environment(t *testing.T) {
	r := newFakeRunner(t)
	e := newTestEngine(t, r)

	s := steps("ok")
	s[0].Environment = map[string]string{"STEP": "1", "SHARED": "step"}
	tpl := &workflow.JobTemplate{
		Name:        "test",
		Axes:        []workflow.Axis{{Name: "os", Values: []string{"linux"}}},
		Environment: map[string]string{"SHARED": "job", "JOB": "1"},
		Steps:       s,
	}
	inst := single(tpl)
	unlocked := []secrets.UnlockedSecret{{Key: "TOKEN", Value: "hunter2"}}

	require.NoError(t, e.RunInstance(context.Background(), inst, unlocked, nil))

	env := r.envs[inst.Id.String()]
	assert.Contains(t, env, "MATRIX_OS=linux")
	assert.Contains(t, env, "JOB=1")
	assert.Contains(t, env, "STEP=1")
	assert.Contains(t, env, "TOKEN=hunter2")
	assert.Contains(t, env, "SHARED=step")
	assert.NotContains(t, env, "SHARED=job")
}

func TestRunInstance_WritesLog(t *testing.T) {
	r := newFakeRunner(t)
	logDir := t.TempDir()
	e := newTestEngine(t, r, WithLogDir(logDir))
	inst := single(&workflow.JobTemplate{Name: "lint", Steps: steps("ok")})

	require.NoError(t, e.RunInstance(context.Background(), inst, nil, nil))

	b, err := os.ReadFile(filepath.Join(logDir, inst.Id.String()+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"content":"running ok"`)
	assert.Contains(t, string(b), `"step_status":"end"`)
}
