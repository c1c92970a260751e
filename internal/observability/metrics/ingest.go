package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the detection ingestion pipeline.
type IngestMetrics struct {
	registry *prometheus.Registry

	detectionsTotal    *prometheus.CounterVec
	ingestDuration     *prometheus.HistogramVec
	validationFailures *prometheus.CounterVec
	speciesResolutions *prometheus.CounterVec
}

// NewIngestMetrics creates and registers new ingestion metrics
func NewIngestMetrics(registry *prometheus.Registry) (*IngestMetrics, error) {
	m := &IngestMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize ingest metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
	}
	return m, nil
}

func (m *IngestMetrics) initMetrics() error {
	m.detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_detections_total",
			Help: "Total number of ingestion attempts by outcome",
		},
		[]string{"outcome"}, // accepted, validation_failed, persist_failed
	)

	m.ingestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_duration_seconds",
			Help:    "Time taken to ingest one detection",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
		},
		[]string{"outcome"},
	)

	m.validationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_validation_failures_total",
			Help: "Total number of rejected payload fields",
		},
		[]string{"field"},
	)

	m.speciesResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_species_resolutions_total",
			Help: "Total number of species code resolutions by result",
		},
		[]string{"result"}, // hit, miss, error
	)

	return nil
}

// RecordIngest records one ingestion attempt
func (m *IngestMetrics) RecordIngest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.detectionsTotal.WithLabelValues(outcome).Inc()
	m.ingestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordValidationFailure counts a rejected payload field
func (m *IngestMetrics) RecordValidationFailure(field string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(field).Inc()
}

// RecordSpeciesResolution counts a species code lookup result
func (m *IngestMetrics) RecordSpeciesResolution(result string) {
	if m == nil {
		return
	}
	m.speciesResolutions.WithLabelValues(result).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	m.detectionsTotal.Collect(ch)
	m.ingestDuration.Collect(ch)
	m.validationFailures.Collect(ch)
	m.speciesResolutions.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.detectionsTotal.Describe(ch)
	m.ingestDuration.Describe(ch)
	m.validationFailures.Describe(ch)
	m.speciesResolutions.Describe(ch)
}
