package engine

import (
	"errors"
	"fmt"
)

var (
	// a step's command reported failure
	ErrStepFailed = errors.New("step failed")
	// timeouts and oom kills are step failures too
	ErrTimedOut  = fmt.Errorf("%w: timed out", ErrStepFailed)
	ErrOOMKilled = fmt.Errorf("%w: oom killed", ErrStepFailed)

	// the instance was stopped by a failing sibling or by shutdown
	ErrCancelled = errors.New("cancelled")

	// the trigger filter turned the event away; no run was created
	ErrRejected = errors.New("trigger rejected")
)

// StepError ties a step failure to the step that caused it.
type StepError struct {
	Index int
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ExitError is returned by step runners when a command exits non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit code %d", ErrStepFailed, e.Code)
}

func (e *ExitError) Unwrap() error {
	return ErrStepFailed
}
