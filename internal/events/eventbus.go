package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// EventBus provides asynchronous event processing with non-blocking guarantees
type EventBus struct {
	// Channel for events
	eventChan chan DetectionEvent

	// Configuration
	bufferSize   int
	workers      int
	eventTimeout time.Duration

	// State management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// mu guards consumers and the closed flag; publishers hold the read
	// lock while sending so the channel is never closed under them
	mu        sync.RWMutex
	closed    bool
	consumers []Consumer

	// Metrics
	stats   EventBusStats
	metrics *metrics.FanoutMetrics

	logger logger.Logger
}

// Config holds event bus configuration
type Config struct {
	BufferSize   int
	Workers      int
	EventTimeout time.Duration // deadline handed to a consumer per event
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		Workers:      4,
		EventTimeout: 30 * time.Second,
	}
}

// New creates an event bus. Workers start with the first registered consumer.
func New(config Config, m *metrics.FanoutMetrics, log logger.Logger) *EventBus {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.EventTimeout <= 0 {
		config.EventTimeout = defaults.EventTimeout
	}
	if log == nil {
		log = logger.Global().Module("events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		eventChan:    make(chan DetectionEvent, config.BufferSize),
		bufferSize:   config.BufferSize,
		workers:      config.Workers,
		eventTimeout: config.EventTimeout,
		ctx:          ctx,
		cancel:       cancel,
		metrics:      m,
		logger:       log,
	}

	eb.logger.Info("event bus initialized",
		logger.Int("buffer_size", config.BufferSize),
		logger.Int("workers", config.Workers))
	return eb
}

// RegisterConsumer adds a new event consumer
func (eb *EventBus) RegisterConsumer(consumer Consumer) error {
	if eb == nil {
		return errors.Newf("event bus not initialized").
			Component("events").
			Category(errors.CategoryState).
			Build()
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return errors.Newf("event bus is shut down").
			Component("events").
			Category(errors.CategoryState).
			Build()
	}
	for _, existing := range eb.consumers {
		if existing.Name() == consumer.Name() {
			return errors.Newf("consumer %s already registered", consumer.Name()).
				Component("events").
				Category(errors.CategoryConflict).
				Context("consumer", consumer.Name()).
				Build()
		}
	}

	eb.consumers = append(eb.consumers, consumer)
	eb.logger.Info("registered event consumer", logger.String("consumer", consumer.Name()))

	// Start workers if this is the first consumer
	if len(eb.consumers) == 1 {
		eb.start()
	}
	return nil
}

// TryPublish attempts to publish an event without blocking.
// Returns true if the event was accepted, false if dropped.
func (eb *EventBus) TryPublish(event DetectionEvent) bool {
	if eb == nil {
		return false
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed || len(eb.consumers) == 0 {
		return false
	}

	select {
	case eb.eventChan <- event:
		atomic.AddUint64(&eb.stats.EventsReceived, 1)
		return true
	default:
		atomic.AddUint64(&eb.stats.EventsDropped, 1)
		eb.metrics.IncrementDropped()
		eb.logger.Warn("event dropped due to full buffer",
			logger.Int("buffer_size", eb.bufferSize),
			logger.String("correlation_id", event.CorrelationID))
		return false
	}
}

// start begins the worker goroutines
func (eb *EventBus) start() {
	if eb.running.Swap(true) {
		return
	}

	eb.logger.Debug("starting event bus workers", logger.Int("count", eb.workers))
	for i := range eb.workers {
		eb.wg.Go(func() { eb.worker(i) })
	}
}

// worker processes events until the channel is closed and drained
func (eb *EventBus) worker(id int) {
	log := eb.logger.With(logger.Int("worker_id", id))
	log.Trace("worker started")

	for event := range eb.eventChan {
		eb.processEvent(event, log)
	}
	log.Trace("worker stopped")
}

// processEvent sends the event to all registered consumers
func (eb *EventBus) processEvent(event DetectionEvent, log logger.Logger) {
	eb.mu.RLock()
	consumers := make([]Consumer, len(eb.consumers))
	copy(consumers, eb.consumers)
	eb.mu.RUnlock()

	for _, consumer := range consumers {
		eb.deliver(consumer, event, log)
	}
}

// deliver runs one consumer under the per-event deadline, recovering panics
func (eb *EventBus) deliver(consumer Consumer, event DetectionEvent, log logger.Logger) {
	ctx, cancel := context.WithTimeout(eb.ctx, eb.eventTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&eb.stats.ConsumerErrors, 1)
			log.Error("consumer panicked",
				logger.String("consumer", consumer.Name()),
				logger.String("panic", fmt.Sprint(r)),
				logger.String("correlation_id", event.CorrelationID))
		}
	}()

	if err := consumer.ProcessEvent(ctx, event); err != nil {
		atomic.AddUint64(&eb.stats.ConsumerErrors, 1)
		log.Error("consumer error",
			logger.String("consumer", consumer.Name()),
			logger.String("correlation_id", event.CorrelationID),
			logger.Error(err))
		return
	}
	atomic.AddUint64(&eb.stats.EventsProcessed, 1)
}

// Shutdown stops accepting events and waits for buffered events to be
// processed. When the timeout passes, in-flight consumers are cancelled.
func (eb *EventBus) Shutdown(timeout time.Duration) error {
	if eb == nil {
		return nil
	}

	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil
	}
	eb.closed = true
	close(eb.eventChan)
	eb.mu.Unlock()

	eb.logger.Info("shutting down event bus", logger.Duration("timeout", timeout))
	defer eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		eb.logger.Info("event bus shutdown complete")
		return nil
	case <-timer.C:
		eb.cancel()
		<-done
		eb.logger.Warn("event bus shutdown timeout exceeded, in-flight events cancelled")
		return errors.Newf("event bus shutdown timeout exceeded after %s", timeout).
			Component("events").
			Category(errors.CategoryTimeout).
			Build()
	}
}

// GetStats returns current event bus statistics
func (eb *EventBus) GetStats() EventBusStats {
	if eb == nil {
		return EventBusStats{}
	}

	return EventBusStats{
		EventsReceived:  atomic.LoadUint64(&eb.stats.EventsReceived),
		EventsProcessed: atomic.LoadUint64(&eb.stats.EventsProcessed),
		EventsDropped:   atomic.LoadUint64(&eb.stats.EventsDropped),
		ConsumerErrors:  atomic.LoadUint64(&eb.stats.ConsumerErrors),
	}
}
