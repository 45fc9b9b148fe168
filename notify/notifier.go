package notify

import (
	"context"

	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

type Notifier interface {
	RunCompleted(ctx context.Context, r *engine.Run)
	RunRejected(ctx context.Context, pipeline string, ev workflow.TriggerEvent, reason error)
}

// BaseNotifier is a listener that does nothing
type BaseNotifier struct{}

var _ Notifier = &BaseNotifier{}
var _ engine.RunNotifier = Notifier(nil)

func (m *BaseNotifier) RunCompleted(ctx context.Context, r *engine.Run) {}
func (m *BaseNotifier) RunRejected(ctx context.Context, pipeline string, ev workflow.TriggerEvent, reason error) {
}
