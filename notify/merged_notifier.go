package notify

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

type mergedNotifier struct {
	notifiers []Notifier
	logger    *slog.Logger
}

func NewMergedNotifier(notifiers []Notifier, logger *slog.Logger) Notifier {
	return &mergedNotifier{notifiers, logger}
}

var _ Notifier = &mergedNotifier{}

// fanout calls the same method on all notifiers concurrently
func (m *mergedNotifier) fanout(method string, ctx context.Context, args ...any) {
	ctx = log.IntoContext(ctx, m.logger.With("method", method))
	var wg sync.WaitGroup
	for _, n := range m.notifiers {
		wg.Add(1)
		go func(notifier Notifier) {
			defer wg.Done()
			v := reflect.ValueOf(notifier).MethodByName(method)
			in := make([]reflect.Value, len(args)+1)
			in[0] = reflect.ValueOf(ctx)
			for i, arg := range args {
				// a nil interface argument has no value to reflect on
				if arg == nil {
					in[i+1] = reflect.Zero(v.Type().In(i + 1))
					continue
				}
				in[i+1] = reflect.ValueOf(arg)
			}
			v.Call(in)
		}(n)
	}
	wg.Wait()
}

func (m *mergedNotifier) RunCompleted(ctx context.Context, r *engine.Run) {
	m.fanout("RunCompleted", ctx, r)
}

func (m *mergedNotifier) RunRejected(ctx context.Context, pipeline string, ev workflow.TriggerEvent, reason error) {
	m.fanout("RunRejected", ctx, pipeline, ev, reason)
}
