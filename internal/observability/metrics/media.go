package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MediaMetrics contains all Prometheus metrics related to species media resolution.
type MediaMetrics struct {
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Fetches       *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	BreakerState  *prometheus.GaugeVec
	RefreshSweeps *prometheus.CounterVec
	registry      *prometheus.Registry
}

// NewMediaMetrics creates a new instance of MediaMetrics.
// It returns an error if metric registration fails.
func NewMediaMetrics(registry *prometheus.Registry) (*MediaMetrics, error) {
	m := &MediaMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize media metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register media metrics: %w", err)
	}
	return m, nil
}

func (m *MediaMetrics) initMetrics() error {
	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_cache_hits_total",
		Help: "Total number of media lookups served completely from the species_media table.",
	})

	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_cache_misses_total",
		Help: "Total number of media lookups that needed a remote fetch.",
	})

	m.Fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "media_fetches_total",
		Help: "Total number of remote media fetches by source and status.",
	}, []string{"source", "status"})

	m.FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_fetch_duration_seconds",
		Help:    "Duration of remote media fetches in seconds.",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount10),
	}, []string{"source"})

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "media_breaker_state",
		Help: "Circuit breaker state per media source (0=closed, 1=half-open, 2=open).",
	}, []string{"source"})

	m.RefreshSweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "media_refresh_sweeps_total",
		Help: "Total number of scheduled media refresh sweeps by status.",
	}, []string{"status"})

	return nil
}

// IncrementCacheHits increases the cache hit counter by one.
func (m *MediaMetrics) IncrementCacheHits() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// IncrementCacheMisses increases the cache miss counter by one.
func (m *MediaMetrics) IncrementCacheMisses() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// RecordFetch records one remote fetch and its duration.
func (m *MediaMetrics) RecordFetch(source, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(source, status).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// SetBreakerState records the breaker state for a source.
func (m *MediaMetrics) SetBreakerState(source string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(source).Set(float64(state))
}

// RecordRefreshSweep counts one scheduled refresh run.
func (m *MediaMetrics) RecordRefreshSweep(status string) {
	if m == nil {
		return
	}
	m.RefreshSweeps.WithLabelValues(status).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *MediaMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.CacheHits
	ch <- m.CacheMisses
	m.Fetches.Collect(ch)
	m.FetchDuration.Collect(ch)
	m.BreakerState.Collect(ch)
	m.RefreshSweeps.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *MediaMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.CacheHits.Desc()
	ch <- m.CacheMisses.Desc()
	m.Fetches.Describe(ch)
	m.FetchDuration.Describe(ch)
	m.BreakerState.Describe(ch)
	m.RefreshSweeps.Describe(ch)
}
