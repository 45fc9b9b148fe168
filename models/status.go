package models

import "fmt"

type StatusKind string

const (
	// step or instance is waiting for a slot
	StatusKindPending StatusKind = "pending"
	// step or instance is executing
	StatusKindRunning StatusKind = "running"

	// terminal states
	StatusKindSucceeded StatusKind = "succeeded"
	StatusKindFailed    StatusKind = "failed"
	StatusKindCancelled StatusKind = "cancelled"
)

var (
	StartStates = [2]StatusKind{
		StatusKindPending,
		StatusKindRunning,
	}
	FinishStates = [3]StatusKind{
		StatusKindSucceeded,
		StatusKindFailed,
		StatusKindCancelled,
	}
)

func (s StatusKind) String() string {
	return string(s)
}

func (s StatusKind) IsStart() bool {
	for _, state := range StartStates {
		if s == state {
			return true
		}
	}
	return false
}

func (s StatusKind) IsFinish() bool {
	for _, state := range FinishStates {
		if s == state {
			return true
		}
	}
	return false
}

// CanTransition reports whether an instance may move from s to next.
// Pending instances that never start may be cancelled directly.
func (s StatusKind) CanTransition(next StatusKind) bool {
	switch s {
	case StatusKindPending:
		return next == StatusKindRunning || next == StatusKindCancelled
	case StatusKindRunning:
		return next.IsFinish()
	default:
		return false
	}
}

type InvalidTransitionError struct {
	From, To StatusKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
)
