package models

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

func testTemplate() *workflow.JobTemplate {
	return &workflow.JobTemplate{
		Name: "test",
		Axes: []workflow.Axis{
			{Name: "os", Values: []string{"linux", "macos"}},
			{Name: "toolchain", Values: []string{"stable", "beta", "nightly"}},
		},
		Steps: []workflow.StepSpec{
			{Name: "a", Command: "true"},
			{Name: "b", Command: "false"},
			{Name: "c", Command: "true"},
		},
	}
}

func TestStatusKind_Transitions(t *testing.T) {
	assert.True(t, StatusKindPending.CanTransition(StatusKindRunning))
	assert.True(t, StatusKindPending.CanTransition(StatusKindCancelled))
	assert.False(t, StatusKindPending.CanTransition(StatusKindSucceeded))

	for _, s := range FinishStates {
		assert.True(t, StatusKindRunning.CanTransition(s))
		assert.True(t, s.IsFinish())
		assert.False(t, s.IsStart())
		for _, next := range append(StartStates[:], FinishStates[:]...) {
			assert.False(t, s.CanTransition(next), "%s is terminal", s)
		}
	}
}

func TestInstantiate(t *testing.T) {
	tpl := testTemplate()
	insts := Instantiate("3lq", tpl)
	require.Len(t, insts, 6)

	for i, inst := range insts {
		assert.Equal(t, StatusKindPending, inst.Status())
		assert.Equal(t, i, inst.Id.Index)
		assert.Same(t, tpl, inst.Template)
	}
	assert.Equal(t, "test (linux, stable)", insts[0].Name())
	assert.Equal(t, "3lq-test-5", insts[5].Id.String())

	single := Instantiate("3lq", &workflow.JobTemplate{Name: "lint"})
	require.Len(t, single, 1)
	assert.Empty(t, single[0].Binding)
	assert.Equal(t, "lint", single[0].Name())
}

func TestJobInstance_CursorFreezesOnFailure(t *testing.T) {
	inst := Instantiate("r", testTemplate())[0]

	assert.Error(t, inst.RecordStep(StepResult{Index: 0, Status: StatusKindSucceeded}), "pending instances record nothing")
	require.NoError(t, inst.Transition(StatusKindRunning, nil))

	require.NoError(t, inst.RecordStep(StepResult{Index: 0, Status: StatusKindSucceeded}))
	require.NoError(t, inst.RecordStep(StepResult{Index: 1, Status: StatusKindFailed}))
	assert.Equal(t, 1, inst.StepCursor())

	assert.Error(t, inst.RecordStep(StepResult{Index: 2, Status: StatusKindSucceeded}), "cursor only moves forward")

	stepErr := errors.New("exit status 1")
	require.NoError(t, inst.Transition(StatusKindFailed, stepErr))
	assert.Equal(t, StatusKindFailed, inst.Status())
	assert.Equal(t, stepErr, inst.Err())

	var terr *InvalidTransitionError
	assert.ErrorAs(t, inst.Transition(StatusKindSucceeded, nil), &terr)

	rec := inst.Record()
	assert.Equal(t, StatusKindFailed, rec.Status)
	assert.Equal(t, 1, rec.StepCursor)
	assert.Len(t, rec.Steps, 2)
	assert.Equal(t, "exit status 1", rec.Error)
	assert.True(t, rec.Required)
}

func TestJobInstance_ContinueOnError(t *testing.T) {
	inst := Instantiate("r", testTemplate())[0]
	require.NoError(t, inst.Transition(StatusKindRunning, nil))

	require.NoError(t, inst.RecordStep(StepResult{Index: 0, Status: StatusKindFailed, Continued: true}))
	assert.Equal(t, 1, inst.StepCursor())
	assert.Len(t, inst.Results(), 1)
}

func TestInstanceLogger(t *testing.T) {
	dir := t.TempDir()
	id := InstanceId{RunId: "3lq", Job: "test", Index: 2}

	l, err := NewInstanceLogger(dir, id)
	require.NoError(t, err)

	step := workflow.StepSpec{Name: "build", Kind: workflow.StepKindRun, Command: "make"}
	require.NoError(t, l.StepStart(0, step))
	_, err = l.DataWriter(0, "stdout").Write([]byte("one\ntwo\r\n"))
	require.NoError(t, err)
	require.NoError(t, l.StepEnd(0, step, StatusKindSucceeded))
	require.NoError(t, l.Close())

	f, err := os.Open(filepath.Join(dir, "3lq-test-2.log"))
	require.NoError(t, err)
	defer f.Close()

	var lines []LogLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line LogLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}

	require.Len(t, lines, 4)
	assert.Equal(t, LogKindControl, lines[0].Kind)
	assert.Equal(t, StepStatusStart, lines[0].StepStatus)
	assert.Equal(t, "one", lines[1].Content)
	assert.Equal(t, "two", lines[2].Content)
	assert.Equal(t, "stdout", lines[2].Stream)
	assert.Equal(t, StatusKindSucceeded, lines[3].StepResult)
}

func TestLogFilePath(t *testing.T) {
	p, err := LogFilePath("/var/log/bobbin", "3lq-test-0")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/bobbin/3lq-test-0.log", p)

	_, err = LogFilePath("/var/log/bobbin", "nested/instance")
	assert.Error(t, err)
}
