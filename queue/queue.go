// Package queue is a bounded FIFO of runs waiting for a worker. It sits in
// front of the engine's slots: the queue bounds how many runs are accepted,
// the slots bound how many instances execute.
package queue

import (
	"context"
	"sync"
)

type Job struct {
	Run    func(ctx context.Context) error
	OnFail func(error)
}

type Queue struct {
	jobs    chan Job
	workers int

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup
}

func NewQueue(size, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
	}
}

// Enqueue never blocks; it reports false when the queue is full or has
// been stopped.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}

	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int {
	return len(q.jobs)
}

// Start launches the workers. Jobs run with ctx, so cancelling it cancels
// the runs in progress.
func (q *Queue) Start(ctx context.Context) {
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if err := job.Run(ctx); err != nil {
					if job.OnFail != nil {
						job.OnFail(err)
					}
				}
			}
		}()
	}
}

// Stop stops accepting jobs and waits for the workers to drain the queue.
func (q *Queue) Stop() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
	})
	q.wg.Wait()
}
