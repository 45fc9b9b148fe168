package models

import (
	"context"
	"time"

	"tangled.sh/tangled.sh/bobbin/workflow"
)

// StepRunner executes step commands inside a per-instance environment.
// Setup is called once before the first step and Destroy once after the
// last, whatever the outcome.
type StepRunner interface {
	Setup(ctx context.Context, inst *JobInstance) error
	RunStep(ctx context.Context, inst *JobInstance, idx int, env EnvVars, l *InstanceLogger) error
	Destroy(ctx context.Context, inst *JobInstance) error

	// Workspace is the host directory holding the instance's checkout, used
	// by cache steps.
	Workspace(inst *JobInstance) string
}

// RunRecord is the persisted summary of a run.
type RunRecord struct {
	Id       string                `json:"id"`
	Pipeline string                `json:"pipeline"`
	Trigger  workflow.TriggerEvent `json:"trigger"`
	Verdict  Verdict               `json:"verdict"`
	Started  time.Time             `json:"started"`
	Finished time.Time             `json:"finished,omitzero"`
}

// StatusSink receives run and instance status changes as they happen.
type StatusSink interface {
	CreateRun(r RunRecord) error
	FinishRun(id string, verdict Verdict) error

	StatusPending(id InstanceId) error
	StatusRunning(id InstanceId) error
	StatusSucceeded(id InstanceId) error
	StatusFailed(id InstanceId, stepErr string) error
	StatusCancelled(id InstanceId, reason string) error
}
