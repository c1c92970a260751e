package notification

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/logger"
)

// DefaultPollTimeout bounds one blocking pop so Dequeue notices cancellation
const DefaultPollTimeout = 5 * time.Second

// RedisQueue is a FIFO on a Redis list shared by every process. Producers
// LPUSH; workers atomically move the oldest entry into their own processing
// list and remove it from there on Ack. Entries a crashed worker left in its
// processing list go back to the queue on the next Recover. Jobs are stored
// as JSON.
type RedisQueue struct {
	client        *redis.Client
	key           string
	processingKey string
	pollTimeout   time.Duration
	log           logger.Logger

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

// inflightEntry is the raw list value of a dequeued job, counted because
// identical jobs produce identical values
type inflightEntry struct {
	raw string
	n   int
}

// RedisQueueOption configures a RedisQueue
type RedisQueueOption func(*RedisQueue)

// WithConsumer names the processing list. Each worker process needs its own
// name that stays stable across restarts, or its unacknowledged jobs are
// only recovered by a worker of the same name.
func WithConsumer(name string) RedisQueueOption {
	return func(q *RedisQueue) {
		if name != "" {
			q.processingKey = q.key + ":processing:" + name
		}
	}
}

// NewRedisQueue creates a queue on key. The consumer name defaults to the
// hostname.
func NewRedisQueue(client *redis.Client, key string, pollTimeout time.Duration, log logger.Logger, opts ...RedisQueueOption) *RedisQueue {
	if key == "" {
		key = "birdhub:notifications"
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	if log == nil {
		log = logger.Global().Module("notification")
	}
	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "default"
	}

	q := &RedisQueue{
		client:      client,
		key:         key,
		pollTimeout: pollTimeout,
		inflight:    make(map[string]*inflightEntry),
	}
	WithConsumer(consumer)(q)
	for _, opt := range opts {
		opt(q)
	}
	q.log = log.With(logger.String("queue_key", key), logger.String("processing_key", q.processingKey))
	return q
}

// Enqueue implements fanout.Enqueuer
func (q *RedisQueue) Enqueue(ctx context.Context, job fanout.NotificationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryJobQueue).
			Context("operation", "marshal").
			Build()
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryJobQueue).
			Context("operation", "lpush").
			Context("job_id", job.ID).
			Build()
	}
	return nil
}

// Dequeue blocks until a job is available or ctx ends. The job stays in the
// processing list until Ack. Undecodable entries are logged and discarded.
func (q *RedisQueue) Dequeue(ctx context.Context) (fanout.NotificationJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return fanout.NotificationJob{}, err
		}

		raw, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fanout.NotificationJob{}, ctxErr
			}
			return fanout.NotificationJob{}, errors.New(err).
				Component("notification").
				Category(errors.CategoryJobQueue).
				Context("operation", "blmove").
				Build()
		}

		var job fanout.NotificationJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Error("dropping undecodable notification job", logger.Error(err))
			if err := q.remove(context.WithoutCancel(ctx), raw); err != nil {
				q.log.Warn("failed to discard undecodable notification job", logger.Error(err))
			}
			continue
		}
		q.track(job, raw)
		return job, nil
	}
}

// Ack removes a dequeued job from the processing list. Unknown jobs are
// ignored.
func (q *RedisQueue) Ack(ctx context.Context, job fanout.NotificationJob) error {
	raw, ok := q.untrack(job)
	if !ok {
		return nil
	}
	return q.remove(ctx, raw)
}

// Recover moves entries left in the processing list by an earlier run back
// to the consuming end of the queue, oldest first. Call it before the first
// Dequeue.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processingKey, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, errors.New(err).
				Component("notification").
				Category(errors.CategoryJobQueue).
				Context("operation", "lmove").
				Context("recovered", moved).
				Build()
		}
		moved++
	}
	if moved > 0 {
		q.log.Warn("requeued unacknowledged notification jobs", logger.Int("jobs", moved))
	}
	return moved, nil
}

// Len returns the number of waiting jobs, in-flight ones excluded
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, errors.New(err).
			Component("notification").
			Category(errors.CategoryJobQueue).
			Context("operation", "llen").
			Build()
	}
	return int(n), nil
}

// Close closes the underlying client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) remove(ctx context.Context, raw string) error {
	if err := q.client.LRem(ctx, q.processingKey, 1, raw).Err(); err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryJobQueue).
			Context("operation", "lrem").
			Build()
	}
	return nil
}

// receipt identifies one delivery of a job. A retry carries a higher attempt
// count and gets its own receipt.
func receipt(job fanout.NotificationJob) string {
	return job.ID + "/" + strconv.Itoa(job.Attempts)
}

func (q *RedisQueue) track(job fanout.NotificationJob, raw string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := receipt(job)
	if e, ok := q.inflight[key]; ok {
		e.n++
		return
	}
	q.inflight[key] = &inflightEntry{raw: raw, n: 1}
}

func (q *RedisQueue) untrack(job fanout.NotificationJob) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := receipt(job)
	e, ok := q.inflight[key]
	if !ok {
		return "", false
	}
	e.n--
	if e.n == 0 {
		delete(q.inflight, key)
	}
	return e.raw, true
}
