// Package observability provides the Prometheus registry and /metrics endpoint for birdhub.
// Sentry error telemetry is handled in the telemetry package.
package observability

import (
	"fmt"
	stdlog "log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry     *prometheus.Registry
	Ingest       *metrics.IngestMetrics
	Media        *metrics.MediaMetrics
	Fanout       *metrics.FanoutMetrics
	Realtime     *metrics.RealtimeMetrics
	Notification *metrics.NotificationMetrics
	HTTP         *metrics.HTTPMetrics
	Analytics    *metrics.AnalyticsMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric collectors
// on a private registry together with the Go runtime and process collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ingestMetrics, err := metrics.NewIngestMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest metrics: %w", err)
	}

	mediaMetrics, err := metrics.NewMediaMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create media metrics: %w", err)
	}

	fanoutMetrics, err := metrics.NewFanoutMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create fanout metrics: %w", err)
	}

	realtimeMetrics, err := metrics.NewRealtimeMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime metrics: %w", err)
	}

	notificationMetrics, err := metrics.NewNotificationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	analyticsMetrics, err := metrics.NewAnalyticsMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create analytics metrics: %w", err)
	}

	return &Metrics{
		registry:     registry,
		Ingest:       ingestMetrics,
		Media:        mediaMetrics,
		Fanout:       fanoutMetrics,
		Realtime:     realtimeMetrics,
		Notification: notificationMetrics,
		HTTP:         httpMetrics,
		Analytics:    analyticsMetrics,
	}, nil
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(os.Stderr, "metrics handler: ", stdlog.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
}
