package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

const (
	readyBucket    = "jobs_ready"
	inflightBucket = "jobs_inflight"

	defaultPollInterval = 2 * time.Second
)

// BoltQueue is a durable job queue backed by BoltDB.
//
// Jobs live in a ready bucket ordered by insertion sequence. A worker claims a
// job by moving it to the in-flight bucket in one transaction and removes it
// once the handler returns. Jobs still in flight when the process dies are
// moved back to the ready bucket the next time the queue is opened, which
// gives at-least-once delivery.
type BoltQueue struct {
	db           *bbolt.DB
	workers      int
	pollInterval time.Duration

	notify   chan struct{}
	stopping chan struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewBoltQueue opens (or creates) the queue file at path and requeues any jobs
// left in flight by a previous run.
func NewBoltQueue(path string, workers int) (*BoltQueue, error) {
	if workers < 1 {
		workers = 1
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening queue db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(readyBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(inflightBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating queue buckets: %w", err)
	}

	q := &BoltQueue{
		db:           db,
		workers:      workers,
		pollInterval: defaultPollInterval,
		notify:       make(chan struct{}, workers),
		stopping:     make(chan struct{}),
	}

	requeued, err := q.requeueInflight()
	if err != nil {
		db.Close()
		return nil, err
	}
	if requeued > 0 {
		slog.Warn("Requeued jobs left in flight by a previous run", "count", requeued)
	}

	return q, nil
}

// SetPollInterval changes how often idle workers look for jobs they were not
// notified about.
func (q *BoltQueue) SetPollInterval(d time.Duration) {
	q.pollInterval = d
}

// Enqueue implements Publisher
func (q *BoltQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	prepare(job)
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return putReady(tx.Bucket([]byte(readyBucket)), job)
	})
	if err != nil {
		return fmt.Errorf("storing job: %w", err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start implements Consumer
func (q *BoltQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.started {
		return errors.New("queue already started")
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	q.group = &errgroup.Group{}
	for i := 0; i < q.workers; i++ {
		q.group.Go(func() error {
			q.work(ctx, handler)
			return nil
		})
	}
	return nil
}

func (q *BoltQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopping:
			return
		default:
		}

		job, err := q.claim()
		if err != nil {
			slog.Error("Failed to claim job", "error", err)
		}
		if job != nil && !q.process(ctx, job, handler) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.stopping:
			return
		case <-q.notify:
		case <-time.After(q.pollInterval):
		}
	}
}

// process runs the handler and settles the job. It reports whether the job
// was put back for a retry, in which case the worker waits a poll interval
// before claiming again.
func (q *BoltQueue) process(ctx context.Context, job *Job, handler Handler) bool {
	err := handler(ctx, job)
	if err != nil {
		slog.Error("Job handler failed",
			"job_id", job.ID,
			"statement_id", job.StatementID,
			"error", err,
		)
	}

	// An interrupted job stays in flight so it is redelivered on the next start.
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrRetry) {
		if err := q.retry(job.ID); err != nil {
			slog.Error("Failed to requeue job", "job_id", job.ID, "error", err)
		}
		return true
	}
	if err := q.ack(job.ID); err != nil {
		slog.Error("Failed to acknowledge job", "job_id", job.ID, "error", err)
	}
	return false
}

// claim moves the oldest ready job to the in-flight bucket.
func (q *BoltQueue) claim() (*Job, error) {
	var job *Job
	err := q.db.Update(func(tx *bbolt.Tx) error {
		ready := tx.Bucket([]byte(readyBucket))
		k, v := ready.Cursor().First()
		if k == nil {
			return nil
		}

		var j Job
		if err := json.Unmarshal(v, &j); err != nil {
			return fmt.Errorf("unmarshaling job: %w", err)
		}
		j.Deliveries++

		data, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("marshaling job: %w", err)
		}
		key := append([]byte(nil), k...)
		if err := ready.Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(inflightBucket)).Put([]byte(j.ID), data); err != nil {
			return err
		}
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (q *BoltQueue) ack(jobID string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(inflightBucket)).Delete([]byte(jobID))
	})
}

// retry moves an in-flight job to the back of the ready bucket.
func (q *BoltQueue) retry(jobID string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		inflight := tx.Bucket([]byte(inflightBucket))
		v := inflight.Get([]byte(jobID))
		if v == nil {
			return nil
		}
		var j Job
		if err := json.Unmarshal(v, &j); err != nil {
			return fmt.Errorf("unmarshaling job: %w", err)
		}
		if err := putReady(tx.Bucket([]byte(readyBucket)), &j); err != nil {
			return err
		}
		return inflight.Delete([]byte(jobID))
	})
}

func (q *BoltQueue) requeueInflight() (int, error) {
	var count int
	err := q.db.Update(func(tx *bbolt.Tx) error {
		inflight := tx.Bucket([]byte(inflightBucket))
		ready := tx.Bucket([]byte(readyBucket))

		var jobs []*Job
		err := inflight.ForEach(func(k, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return fmt.Errorf("unmarshaling job: %w", err)
			}
			jobs = append(jobs, &j)
			return nil
		})
		if err != nil {
			return err
		}

		for _, j := range jobs {
			if err := putReady(ready, j); err != nil {
				return err
			}
			if err := inflight.Delete([]byte(j.ID)); err != nil {
				return err
			}
		}
		count = len(jobs)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeueing in-flight jobs: %w", err)
	}
	return count, nil
}

// Stats reports how many jobs are waiting and how many are claimed.
func (q *BoltQueue) Stats() (ready int, inflight int, err error) {
	err = q.db.View(func(tx *bbolt.Tx) error {
		ready = tx.Bucket([]byte(readyBucket)).Stats().KeyN
		inflight = tx.Bucket([]byte(inflightBucket)).Stats().KeyN
		return nil
	})
	return ready, inflight, err
}

// Stop implements Consumer. When ctx expires before in-flight jobs finish,
// their context is cancelled and they are left for redelivery.
func (q *BoltQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopping)
	group, cancel := q.group, q.cancel
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
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Close stops the workers and closes the underlying database.
func (q *BoltQueue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		slog.Warn("Queue did not drain before close", "error", err)
	}
	return q.db.Close()
}

func putReady(bucket *bbolt.Bucket, job *Job) error {
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bucket.Put(key, data)
}

var _ Queue = (*BoltQueue)(nil)
