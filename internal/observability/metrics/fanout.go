package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FanoutMetrics contains Prometheus metrics for the post-commit fan-out.
type FanoutMetrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	broadcasts       *prometheus.CounterVec
	matches          *prometheus.CounterVec
	enqueued         *prometheus.CounterVec
	eventsDropped    prometheus.Counter
}

// NewFanoutMetrics creates and registers new fan-out metrics
func NewFanoutMetrics(registry *prometheus.Registry) (*FanoutMetrics, error) {
	m := &FanoutMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize fanout metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register fanout metrics: %w", err)
	}
	return m, nil
}

func (m *FanoutMetrics) initMetrics() error {
	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_dispatch_total",
			Help: "Total number of detection dispatches by status",
		},
		[]string{"status"},
	)

	m.dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_dispatch_duration_seconds",
			Help:    "Time taken for one detection dispatch",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
		},
	)

	m.broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_broadcasts_total",
			Help: "Total number of realtime broadcasts by room scope and status",
		},
		[]string{"scope", "status"}, // scope: station, global
	)

	m.matches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_preference_matches_total",
			Help: "Total number of notification preferences that matched a detection",
		},
		[]string{"channel"},
	)

	m.enqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_jobs_enqueued_total",
			Help: "Total number of notification jobs enqueued by channel and status",
		},
		[]string{"channel", "status"},
	)

	m.eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_events_dropped_total",
			Help: "Total number of detection events dropped because the dispatch buffer was full",
		},
	)

	return nil
}

// RecordDispatch records one completed dispatch
func (m *FanoutMetrics) RecordDispatch(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(status).Inc()
	m.dispatchDuration.Observe(duration.Seconds())
}

// RecordBroadcast records one broadcast to a room scope
func (m *FanoutMetrics) RecordBroadcast(scope, status string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(scope, status).Inc()
}

// RecordMatch counts a matching preference
func (m *FanoutMetrics) RecordMatch(channel string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(channel).Inc()
}

// RecordEnqueue records one enqueue attempt
func (m *FanoutMetrics) RecordEnqueue(channel, status string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(channel, status).Inc()
}

// IncrementDropped counts an event the bus could not accept
func (m *FanoutMetrics) IncrementDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *FanoutMetrics) Collect(ch chan<- prometheus.Metric) {
	m.dispatchTotal.Collect(ch)
	m.dispatchDuration.Collect(ch)
	m.broadcasts.Collect(ch)
	m.matches.Collect(ch)
	m.enqueued.Collect(ch)
	m.eventsDropped.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *FanoutMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.dispatchTotal.Describe(ch)
	m.dispatchDuration.Describe(ch)
	m.broadcasts.Describe(ch)
	m.matches.Describe(ch)
	m.enqueued.Describe(ch)
	m.eventsDropped.Describe(ch)
}
