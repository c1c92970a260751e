package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation names recorded by the aggregation engine
const (
	OpHourlyTrend = "hourly_trend"
	OpDailyTotals = "daily_totals"
	OpDelta       = "delta"
)

// AnalyticsMetrics implements Recorder for the aggregation engine.
type AnalyticsMetrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	errors     *prometheus.CounterVec
}

// NewAnalyticsMetrics creates and registers new analytics metrics
func NewAnalyticsMetrics(registry *prometheus.Registry) (*AnalyticsMetrics, error) {
	m := &AnalyticsMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize analytics metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register analytics metrics: %w", err)
	}
	return m, nil
}

func (m *AnalyticsMetrics) initMetrics() error {
	m.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_operations_total",
			Help: "Total number of aggregation queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	m.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_operation_duration_seconds",
			Help:    "Time taken for aggregation queries",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
		},
		[]string{"operation"},
	)

	m.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_errors_total",
			Help: "Total number of aggregation errors by operation and type",
		},
		[]string{"operation", "error_type"},
	)

	return nil
}

// RecordOperation implements Recorder
func (m *AnalyticsMetrics) RecordOperation(operation, status string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder
func (m *AnalyticsMetrics) RecordDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder
func (m *AnalyticsMetrics) RecordError(operation, errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation, errorType).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *AnalyticsMetrics) Collect(ch chan<- prometheus.Metric) {
	m.operations.Collect(ch)
	m.duration.Collect(ch)
	m.errors.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *AnalyticsMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.operations.Describe(ch)
	m.duration.Describe(ch)
	m.errors.Describe(ch)
}
