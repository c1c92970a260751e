package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics contains all Prometheus metrics related to the notification queue and its worker.
type NotificationMetrics struct {
	// Delivery metrics
	DeliveriesTotal  *prometheus.CounterVec   // Total deliveries by channel and status
	DeliveryDuration *prometheus.HistogramVec // Latency by channel
	DeliveryErrors   *prometheus.CounterVec   // Errors by channel and error category

	// Retry metrics
	RetryAttempts *prometheus.CounterVec // Jobs re-enqueued after a failed send
	JobsDropped   *prometheus.CounterVec // Jobs dropped after the last attempt

	// Queue metrics
	QueueDepth    prometheus.Gauge   // Jobs waiting in the queue
	ActiveWorkers prometheus.Gauge   // Worker goroutines currently sending
	JobsEnqueued  prometheus.Counter // Jobs accepted by the queue

	registry *prometheus.Registry
}

// NewNotificationMetrics creates a new instance of NotificationMetrics.
// It returns an error if metric registration fails.
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize notification metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for NotificationMetrics.
func (m *NotificationMetrics) initMetrics() error {
	m.DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Total number of notification deliveries by channel and status",
		},
		[]string{"channel", "status"}, // channel: email, in_app
	)

	m.DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Time taken to deliver one notification",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		},
		[]string{"channel"},
	)

	m.DeliveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_errors_total",
			Help: "Total number of notification delivery errors",
		},
		[]string{"channel", "error_category"},
	)

	m.RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_retry_attempts_total",
			Help: "Total number of notification jobs re-enqueued for another attempt",
		},
		[]string{"channel"},
	)

	m.JobsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_jobs_dropped_total",
			Help: "Total number of notification jobs dropped after exhausting attempts",
		},
		[]string{"channel"},
	)

	m.QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Current number of jobs waiting in the notification queue",
		},
	)

	m.ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_active_workers",
			Help: "Number of workers currently delivering a job",
		},
	)

	m.JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_jobs_enqueued_total",
			Help: "Total number of notification jobs accepted by the queue",
		},
	)

	return nil
}

// RecordDelivery records a notification delivery attempt.
func (m *NotificationMetrics) RecordDelivery(channel, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(channel, status).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordDeliveryError records a notification delivery error.
func (m *NotificationMetrics) RecordDeliveryError(channel, errorCategory string) {
	if m == nil {
		return
	}
	m.DeliveryErrors.WithLabelValues(channel, errorCategory).Inc()
}

// RecordRetryAttempt records a retry attempt.
func (m *NotificationMetrics) RecordRetryAttempt(channel string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(channel).Inc()
}

// RecordDropped records a job given up on.
func (m *NotificationMetrics) RecordDropped(channel string) {
	if m == nil {
		return
	}
	m.JobsDropped.WithLabelValues(channel).Inc()
}

// IncrementEnqueued counts a job accepted by the queue.
func (m *NotificationMetrics) IncrementEnqueued() {
	if m == nil {
		return
	}
	m.JobsEnqueued.Inc()
}

// SetQueueDepth sets the notification queue depth.
func (m *NotificationMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// WorkerBusy adjusts the active worker gauge.
func (m *NotificationMetrics) WorkerBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.ActiveWorkers.Inc()
		return
	}
	m.ActiveWorkers.Dec()
}

// Collect implements the prometheus.Collector interface.
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DeliveriesTotal.Collect(ch)
	m.DeliveryDuration.Collect(ch)
	m.DeliveryErrors.Collect(ch)
	m.RetryAttempts.Collect(ch)
	m.JobsDropped.Collect(ch)
	m.QueueDepth.Collect(ch)
	m.ActiveWorkers.Collect(ch)
	m.JobsEnqueued.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DeliveriesTotal.Describe(ch)
	m.DeliveryDuration.Describe(ch)
	m.DeliveryErrors.Describe(ch)
	m.RetryAttempts.Describe(ch)
	m.JobsDropped.Describe(ch)
	m.QueueDepth.Describe(ch)
	m.ActiveWorkers.Describe(ch)
	m.JobsEnqueued.Describe(ch)
}

// StartDeliveryTimer creates a timer for measuring delivery duration.
func (m *NotificationMetrics) StartDeliveryTimer() *DeliveryTimer {
	return &DeliveryTimer{
		startTime: time.Now(),
		metrics:   m,
	}
}

// DeliveryTimer is a helper struct for measuring delivery duration.
type DeliveryTimer struct {
	startTime time.Time
	metrics   *NotificationMetrics
}

// ObserveDuration stops the timer and records the duration with delivery status.
func (dt *DeliveryTimer) ObserveDuration(channel, status string) {
	dt.metrics.RecordDelivery(channel, status, time.Since(dt.startTime))
}
