package notification

import (
	"context"
	"sync"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
)

// DefaultMemoryCapacity is used when no capacity is configured
const DefaultMemoryCapacity = 1000

// MemoryQueue is a bounded in-process queue for single-process deployments.
// Enqueue never blocks; a full queue rejects the job.
type MemoryQueue struct {
	jobs     chan fanout.NotificationJob
	done     chan struct{}
	closeMu  sync.RWMutex
	closed   bool
	closeOne sync.Once
}

// NewMemoryQueue creates a queue holding up to capacity jobs
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryQueue{
		jobs: make(chan fanout.NotificationJob, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue implements fanout.Enqueuer
func (q *MemoryQueue) Enqueue(ctx context.Context, job fanout.NotificationJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return errors.New(ErrQueueClosed).
			Component("notification").
			Category(errors.CategoryJobQueue).
			Build()
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return errors.New(ErrQueueFull).
			Component("notification").
			Category(errors.CategoryJobQueue).
			Context("capacity", cap(q.jobs)).
			Context("job_id", job.ID).
			Build()
	}
}

// Dequeue blocks until a job is available, the queue is closed or ctx ends.
// Jobs still buffered at Close are handed out before ErrQueueClosed.
func (q *MemoryQueue) Dequeue(ctx context.Context) (fanout.NotificationJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	default:
	}

	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.done:
		select {
		case job := <-q.jobs:
			return job, nil
		default:
			return fanout.NotificationJob{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return fanout.NotificationJob{}, ctx.Err()
	}
}

// Ack is a no-op, jobs of an in-process queue do not survive the process
func (q *MemoryQueue) Ack(context.Context, fanout.NotificationJob) error {
	return nil
}

// Len returns the number of waiting jobs
func (q *MemoryQueue) Len(context.Context) (int, error) {
	return len(q.jobs), nil
}

// Close rejects new jobs and wakes blocked consumers
func (q *MemoryQueue) Close() error {
	q.closeOne.Do(func() {
		q.closeMu.Lock()
		q.closed = true
		q.closeMu.Unlock()
		close(q.done)
	})
	return nil
}
