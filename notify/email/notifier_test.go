package email

import (
	"context"
	"errors"
	"testing"

	"github.com/resend/resend-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

type fakeSender struct {
	sent []*resend.SendEmailRequest
	err  error
}

func (f *fakeSender) Send(req *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.sent = append(f.sent, req)
	return &resend.SendEmailResponse{Id: "1"}, f.err
}

func finishedRun(t *testing.T, status models.StatusKind) *engine.Run {
	tpl := &workflow.JobTemplate{Name: "lint", Steps: []workflow.StepSpec{{Name: "vet", Command: "go vet"}}}
	inst := models.Instantiate("3la", tpl)[0]
	require.NoError(t, inst.Transition(models.StatusKindRunning, nil))
	var err error
	if status == models.StatusKindFailed {
		err = errors.New("step 0 (vet): exit code 1")
	}
	require.NoError(t, inst.Transition(status, err))

	return &engine.Run{
		Id:        "3la",
		Pipeline:  &workflow.Pipeline{Name: "ci"},
		Trigger:   workflow.TriggerEvent{Kind: workflow.TriggerKindManual},
		Instances: []*models.JobInstance{inst},
	}
}

func TestEmailNotifier_OnFailure(t *testing.T) {
	s := &fakeSender{}
	n := NewEmailNotifierWithSender(s, "bobbin@example.com", []string{"dev@example.com"})

	n.RunCompleted(context.Background(), finishedRun(t, models.StatusKindFailed))

	require.Len(t, s.sent, 1)
	assert.Equal(t, []string{"dev@example.com"}, s.sent[0].To)
	assert.Equal(t, "[bobbin] ci failed: 1 of 1 instances did not succeed", s.sent[0].Subject)
	assert.Contains(t, s.sent[0].Text, "reproduce with --only 'job=lint'")
}

func TestEmailNotifier_SkipsSuccess(t *testing.T) {
	s := &fakeSender{}
	n := NewEmailNotifierWithSender(s, "bobbin@example.com", []string{"dev@example.com"})

	n.RunCompleted(context.Background(), finishedRun(t, models.StatusKindSucceeded))
	assert.Empty(t, s.sent)
}

func TestEmailNotifier_NoRecipients(t *testing.T) {
	s := &fakeSender{}
	n := NewEmailNotifierWithSender(s, "bobbin@example.com", nil)

	n.RunCompleted(context.Background(), finishedRun(t, models.StatusKindFailed))
	assert.Empty(t, s.sent)
}

func TestEmailNotifier_SendError(t *testing.T) {
	s := &fakeSender{err: errors.New("rate limited")}
	n := NewEmailNotifierWithSender(s, "bobbin@example.com", []string{"dev@example.com"})

	assert.NotPanics(t, func() {
		n.RunCompleted(context.Background(), finishedRun(t, models.StatusKindFailed))
	})
}
