package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultRetryDelay = 2 * time.Second

// MemoryQueue is an in-memory queue built on a buffered channel. Jobs are lost
// on restart, so it is meant for tests and single-shot tools.
type MemoryQueue struct {
	jobs       chan *Job
	stopping   chan struct{}
	workers    int
	retryDelay time.Duration
	group      *errgroup.Group

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewMemoryQueue creates a queue holding up to bufferSize jobs before Enqueue blocks.
func NewMemoryQueue(bufferSize, workers int) *MemoryQueue {
	if workers < 1 {
		workers = 1
	}
	return &MemoryQueue{
		jobs:       make(chan *Job, bufferSize),
		stopping:   make(chan struct{}),
		workers:    workers,
		retryDelay: defaultRetryDelay,
	}
}

// SetRetryDelay changes how long a job whose handler asked for a retry waits
// before it is delivered again.
func (q *MemoryQueue) SetRetryDelay(d time.Duration) {
	q.retryDelay = d
}

// Enqueue implements Publisher
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	prepare(job)

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopping:
		return ErrClosed
	}
}

// Start implements Consumer
func (q *MemoryQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.started {
		return errors.New("queue already started")
	}
	q.started = true

	q.group = &errgroup.Group{}
	for i := 0; i < q.workers; i++ {
		q.group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-q.stopping:
					return nil
				case job := <-q.jobs:
					job.Deliveries++
					err := handler(ctx, job)
					if err != nil {
						slog.Error("Job handler failed",
							"job_id", job.ID,
							"statement_id", job.StatementID,
							"error", err,
						)
					}
					if errors.Is(err, ErrRetry) {
						q.group.Go(func() error {
							q.redeliver(ctx, job)
							return nil
						})
					}
				}
			}
		})
	}
	return nil
}

func (q *MemoryQueue) redeliver(ctx context.Context, job *Job) {
	select {
	case <-time.After(q.retryDelay):
	case <-ctx.Done():
		return
	case <-q.stopping:
		return
	}
	select {
	case q.jobs <- job:
	case <-ctx.Done():
	case <-q.stopping:
	}
}

// Len returns the number of jobs waiting to be claimed.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Stop implements Consumer
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopping)
	group := q.group
	q.mu.Unlock()

	if group == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Queue = (*MemoryQueue)(nil)
