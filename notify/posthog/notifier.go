package posthog

import (
	"context"

	"github.com/posthog/posthog-go"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/notify"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

type posthogNotifier struct {
	client posthog.Client
	notify.BaseNotifier
}

func NewPosthogNotifier(client posthog.Client) notify.Notifier {
	return &posthogNotifier{
		client,
		notify.BaseNotifier{},
	}
}

var _ notify.Notifier = &posthogNotifier{}

func (n *posthogNotifier) RunCompleted(ctx context.Context, r *engine.Run) {
	verdict, _ := r.Aggregate()
	counts := make(map[models.StatusKind]int)
	for _, inst := range r.Instances {
		counts[inst.Status()]++
	}

	err := n.client.Enqueue(posthog.Capture{
		DistinctId: r.Pipeline.Name,
		Event:      "run_completed",
		Properties: posthog.Properties{
			"run":         r.Id,
			"trigger":     string(r.Trigger.Kind),
			"branch":      r.Trigger.Branch,
			"verdict":     string(verdict),
			"duration_ms": r.Duration().Milliseconds(),
			"instances":   len(r.Instances),
			"succeeded":   counts[models.StatusKindSucceeded],
			"failed":      counts[models.StatusKindFailed],
			"cancelled":   counts[models.StatusKindCancelled],
		},
	})
	if err != nil {
		log.FromContext(ctx).Error("failed to enqueue posthog event", "error", err)
	}
}

func (n *posthogNotifier) RunRejected(ctx context.Context, pipeline string, ev workflow.TriggerEvent, reason error) {
	props := posthog.Properties{
		"trigger": string(ev.Kind),
		"branch":  ev.Branch,
	}
	if reason != nil {
		props["reason"] = reason.Error()
	}

	err := n.client.Enqueue(posthog.Capture{
		DistinctId: pipeline,
		Event:      "run_rejected",
		Properties: props,
	})
	if err != nil {
		log.FromContext(ctx).Error("failed to enqueue posthog event", "error", err)
	}
}
