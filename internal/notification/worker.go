package notification

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// Job outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// depthSampleInterval is how often the queue depth gauge is refreshed
const depthSampleInterval = 10 * time.Second

// WorkerConfig holds configuration for the notification worker
type WorkerConfig struct {
	// Concurrency is the number of jobs delivered in parallel
	Concurrency int
	// MaxAttempts is the number of deliveries tried before a job is dropped
	MaxAttempts int
	// SendTimeout bounds one delivery
	SendTimeout time.Duration
	// RetryDelay is multiplied by the attempt number before a failed job is re-enqueued
	RetryDelay time.Duration
	// RatePerSecond caps deliveries across all workers, zero disables
	RatePerSecond float64
	Burst         int
}

// DefaultWorkerConfig returns default configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: 2,
		MaxAttempts: 3,
		SendTimeout: 30 * time.Second,
		RetryDelay:  2 * time.Second,
	}
}

// WorkerConfigFromSettings maps the queue and notification sections
func WorkerConfigFromSettings(settings *conf.Settings) WorkerConfig {
	cfg := DefaultWorkerConfig()
	if settings.Queue.Concurrency > 0 {
		cfg.Concurrency = settings.Queue.Concurrency
	}
	if settings.Queue.MaxAttempts > 0 {
		cfg.MaxAttempts = settings.Queue.MaxAttempts
	}
	if settings.Notification.SendTimeout > 0 {
		cfg.SendTimeout = settings.Notification.SendTimeout
	}
	return cfg
}

// WorkerStats is a snapshot of worker counters
type WorkerStats struct {
	Processed uint64
	Delivered uint64
	Retried   uint64
	Dropped   uint64
}

// Worker consumes the queue and hands each job to the sender of its channel
type Worker struct {
	queue   Queue
	senders map[string]Sender
	config  WorkerConfig
	limiter *rate.Limiter
	metrics *metrics.NotificationMetrics
	log     logger.Logger

	processed atomic.Uint64
	delivered atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
}

// NewWorker creates a worker. At least one sender is required and each
// channel may have only one.
func NewWorker(q Queue, senders []Sender, config WorkerConfig, m *metrics.NotificationMetrics, log logger.Logger) (*Worker, error) {
	if q == nil {
		return nil, errors.Newf("notification queue is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	defaults := DefaultWorkerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	if log == nil {
		log = logger.Global().Module("notification")
	}

	w := &Worker{
		queue:   q,
		senders: make(map[string]Sender, len(senders)),
		config:  config,
		metrics: m,
		log:     log,
	}
	for _, s := range senders {
		if s == nil {
			continue
		}
		if _, dup := w.senders[s.Channel()]; dup {
			return nil, errors.Newf("duplicate sender for channel %s", s.Channel()).
				Component("notification").
				Category(errors.CategoryConflict).
				Build()
		}
		w.senders[s.Channel()] = s
	}
	if len(w.senders) == 0 {
		return nil, errors.Newf("at least one notification sender is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return w, nil
}

// Run delivers jobs until ctx ends or the queue is closed. In-flight
// deliveries finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("notification worker started",
		logger.Int("concurrency", w.config.Concurrency),
		logger.Int("max_attempts", w.config.MaxAttempts))

	if r, ok := w.queue.(recoverer); ok {
		if _, err := r.Recover(ctx); err != nil {
			w.log.Error("failed to requeue unacknowledged notification jobs", logger.Error(err))
		}
	}

	var wg sync.WaitGroup
	for range w.config.Concurrency {
		wg.Go(func() { w.loop(ctx) })
	}
	wg.Go(func() { w.sampleDepth(ctx) })
	wg.Wait()

	stats := w.Stats()
	w.log.Info("notification worker stopped",
		logger.Uint64("processed", stats.Processed),
		logger.Uint64("delivered", stats.Delivered),
		logger.Uint64("dropped", stats.Dropped))
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, ErrQueueClosed):
			return
		default:
			w.log.Error("failed to dequeue notification job", logger.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.metrics.WorkerBusy(true)
		w.Process(ctx, job)
		// after Process so a retry is back in the queue before this delivery is released
		if err := w.queue.Ack(context.WithoutCancel(ctx), job); err != nil {
			w.log.Warn("failed to acknowledge notification job",
				logger.String("job_id", job.ID),
				logger.Error(err))
		}
		w.metrics.WorkerBusy(false)
	}
}

// Process delivers one job and re-enqueues or drops it on failure.
// Delivery and re-enqueue outlive ctx cancellation so a job taken from the
// queue is not lost during shutdown.
func (w *Worker) Process(ctx context.Context, job fanout.NotificationJob) string {
	w.processed.Add(1)
	job.Attempts++
	log := w.log.With(
		logger.String("job_id", job.ID),
		logger.String("channel", job.Channel),
		logger.Int("attempt", job.Attempts))

	sender, ok := w.senders[job.Channel]
	if !ok {
		log.Error("no sender for notification channel, dropping job")
		w.metrics.RecordDeliveryError(job.Channel, string(errors.CategoryConfiguration))
		return w.drop(job)
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			// shutting down before the attempt was made
			job.Attempts--
			return w.retry(context.WithoutCancel(ctx), log, job, 0)
		}
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.SendTimeout)
	timer := w.metrics.StartDeliveryTimer()
	err := sender.Send(sendCtx, job)
	cancel()

	if err == nil {
		timer.ObserveDuration(job.Channel, metrics.StatusSuccess)
		w.delivered.Add(1)
		log.Debug("notification delivered")
		return OutcomeDelivered
	}

	timer.ObserveDuration(job.Channel, metrics.StatusError)
	w.metrics.RecordDeliveryError(job.Channel, string(errors.GetCategory(err)))

	if IsPermanent(err) || job.Attempts >= w.config.MaxAttempts {
		log.Warn("notification delivery failed, dropping job",
			logger.Bool("permanent", IsPermanent(err)),
			logger.Error(err))
		return w.drop(job)
	}

	log.Info("notification delivery failed, will retry", logger.Error(err))
	return w.retry(ctx, log, job, w.config.RetryDelay*time.Duration(job.Attempts))
}

// retry waits delay, cut short by ctx, then puts the job back
func (w *Worker) retry(ctx context.Context, log logger.Logger, job fanout.NotificationJob, delay time.Duration) string {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	if err := w.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Error("failed to re-enqueue notification job", logger.Error(err))
		return w.drop(job)
	}
	w.retried.Add(1)
	w.metrics.RecordRetryAttempt(job.Channel)
	return OutcomeRetried
}

func (w *Worker) drop(job fanout.NotificationJob) string {
	w.dropped.Add(1)
	w.metrics.RecordDropped(job.Channel)
	return OutcomeDropped
}

func (w *Worker) sampleDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.queue.Len(ctx); err == nil {
				w.metrics.SetQueueDepth(n)
			}
		}
	}
}

// Stats returns the worker counters
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Processed: w.processed.Load(),
		Delivered: w.delivered.Load(),
		Retried:   w.retried.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// MeteredQueue counts accepted jobs of the wrapped queue
type MeteredQueue struct {
	Queue
	metrics *metrics.NotificationMetrics
}

// NewMeteredQueue wraps q
func NewMeteredQueue(q Queue, m *metrics.NotificationMetrics) *MeteredQueue {
	return &MeteredQueue{Queue: q, metrics: m}
}

// Enqueue implements fanout.Enqueuer
func (q *MeteredQueue) Enqueue(ctx context.Context, job fanout.NotificationJob) error {
	if err := q.Queue.Enqueue(ctx, job); err != nil {
		return err
	}
	q.metrics.IncrementEnqueued()
	return nil
}
