package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_RunsEveryJob(t *testing.T) {
	q := NewQueue(10, 3)

	var ran atomic.Int32
	for range 10 {
		ok := q.Enqueue(Job{Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
		assert.True(t, ok)
	}

	q.Start(context.Background())
	q.Stop()
	assert.Equal(t, int32(10), ran.Load())
}

func TestQueue_Full(t *testing.T) {
	q := NewQueue(1, 1)
	noop := Job{Run: func(context.Context) error { return nil }}

	assert.True(t, q.Enqueue(noop))
	assert.False(t, q.Enqueue(noop))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_OnFail(t *testing.T) {
	q := NewQueue(1, 1)
	boom := errors.New("boom")

	var (
		mu  sync.Mutex
		got error
	)
	q.Enqueue(Job{
		Run: func(context.Context) error { return boom },
		OnFail: func(err error) {
			mu.Lock()
			got = err
			mu.Unlock()
		},
	})

	q.Start(context.Background())
	q.Stop()
	assert.ErrorIs(t, got, boom)
}

func TestQueue_PassesContext(t *testing.T) {
	q := NewQueue(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawCancel bool
	q.Enqueue(Job{Run: func(ctx context.Context) error {
		sawCancel = ctx.Err() != nil
		return nil
	}})

	q.Start(ctx)
	q.Stop()
	assert.True(t, sawCancel)
}

func TestQueue_EnqueueAfterStop(t *testing.T) {
	q := NewQueue(4, 1)
	q.Start(context.Background())
	q.Stop()

	assert.NotPanics(t, func() {
		assert.False(t, q.Enqueue(Job{Run: func(context.Context) error { return nil }}))
	})
}

func TestQueue_EnqueueRacesStop(t *testing.T) {
	q := NewQueue(64, 2)
	q.Start(context.Background())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Enqueue(Job{Run: func(context.Context) error { return nil }})
			}
		}()
	}

	assert.NotPanics(t, q.Stop)
	wg.Wait()
}
