package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned when publishing to or starting a stopped queue.
	ErrClosed = errors.New("queue is closed")

	// ErrRetry marks a handler error as transient. The job is put back on the
	// queue and delivered again instead of being acknowledged.
	ErrRetry = errors.New("job should be retried")
)

// Job asks a worker to run the ingestion pipeline for one statement.
type Job struct {
	ID          string    `json:"id"`
	StatementID string    `json:"statement_id"`
	UserID      string    `json:"user_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	// Deliveries counts how many times the job has been handed to a worker.
	// Anything above 1 means the job is a redelivery.
	Deliveries int `json:"deliveries"`
}

// Handler processes a single job. Returned errors are logged and the job is
// acknowledged, unless the error wraps ErrRetry.
type Handler func(ctx context.Context, job *Job) error

// Publisher defines the interface for putting jobs on a queue
type Publisher interface {
	// Enqueue stores the job for asynchronous processing
	Enqueue(ctx context.Context, job *Job) error
}

// Consumer defines the interface for pulling jobs off a queue
type Consumer interface {
	// Start launches the worker pool. The handler is called once per delivered job.
	Start(ctx context.Context, handler Handler) error

	// Stop stops claiming new jobs and waits for in-flight jobs to finish.
	Stop(ctx context.Context) error
}

// Queue is both ends of a job queue.
type Queue interface {
	Publisher
	Consumer
}

func prepare(job *Job) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
}
