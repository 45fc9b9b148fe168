package engine

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/secrets"
)

// jobGroup holds the siblings of one job. Its context is cancelled when a
// failing sibling stops the job under fail_fast.
type jobGroup struct {
	ctx  context.Context
	stop context.CancelFunc
}

// Schedule runs every instance to a terminal status. Instances are
// dispatched in order, each waiting as Pending until one of the engine's
// slots frees up. Jobs never wait on each other; within a fail_fast job the
// first failure cancels every sibling that is still pending or running.
func (e *Engine) Schedule(ctx context.Context, instances []*models.JobInstance, unlocked []secrets.UnlockedSecret) error {
	groups := make(map[string]*jobGroup)
	for _, inst := range instances {
		name := inst.Template.Name
		if _, ok := groups[name]; !ok {
			gctx, stop := context.WithCancel(ctx)
			groups[name] = &jobGroup{ctx: gctx, stop: stop}
		}
		if err := e.sink.StatusPending(inst.Id); err != nil {
			e.l.Error("failed to record status", "instance", inst.Id.String(), "error", err)
		}
	}
	defer func() {
		for _, g := range groups {
			g.stop()
		}
	}()

	var g errgroup.Group
	for _, inst := range instances {
		grp := groups[inst.Template.Name]

		if err := e.slots.Acquire(grp.ctx, 1); err != nil {
			// the job was stopped, or the run is shutting down, while this
			// instance waited for a slot
			if cerr := e.cancel(ctx, inst, "cancelled while pending"); isInternal(cerr) {
				e.l.Error("cancelling pending instance", "instance", inst.Id.String(), "error", cerr)
			}
			continue
		}

		g.Go(func() error {
			defer e.slots.Release(1)

			err := e.RunInstance(ctx, inst, unlocked, grp.ctx.Done())
			if inst.Status() == models.StatusKindFailed && inst.Template.FailFast {
				e.l.Info("fail fast: stopping siblings", "job", inst.Template.Name, "failed", inst.Name())
				grp.stop()
			}

			if isInternal(err) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// isInternal separates engine bugs from the expected ways an instance ends.
func isInternal(err error) bool {
	var terr *models.InvalidTransitionError
	return errors.As(err, &terr) || errors.Is(err, models.ErrInvalidStepRecord)
}
