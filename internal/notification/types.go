// Package notification consumes the notification job queue and delivers each
// job through its channel: email through shoutrrr, in-app through the
// realtime user room.
package notification

import (
	"context"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
)

// Sender delivers jobs of one channel. Implementations must be safe for
// concurrent use.
type Sender interface {
	Channel() string
	Send(ctx context.Context, job fanout.NotificationJob) error
}

// Queue is a FIFO of notification jobs shared by producers and workers.
// Delivery is at-least-once: a job handed out by Dequeue stays owned by the
// queue until Ack, which the worker calls once the job is delivered, dropped
// or re-enqueued for a retry.
type Queue interface {
	fanout.Enqueuer
	// Dequeue blocks until a job is available or ctx ends
	Dequeue(ctx context.Context) (fanout.NotificationJob, error)
	// Ack releases a job returned by Dequeue
	Ack(ctx context.Context, job fanout.NotificationJob) error
	// Len returns the number of waiting jobs
	Len(ctx context.Context) (int, error)
	Close() error
}

// recoverer is implemented by queues that keep unacknowledged jobs across
// process restarts
type recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Sentinel errors for queue operations
var (
	ErrQueueFull   = errors.NewStd("notification queue full")
	ErrQueueClosed = errors.NewStd("notification queue closed")
)

// permanentError marks a failure that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the worker drops the job instead of retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
