package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RealtimeMetrics contains Prometheus metrics for realtime subscribers and bridges.
type RealtimeMetrics struct {
	registry *prometheus.Registry

	activeClients   *prometheus.GaugeVec
	clientsTotal    *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	publishTotal    *prometheus.CounterVec
}

// NewRealtimeMetrics creates and registers new realtime metrics
func NewRealtimeMetrics(registry *prometheus.Registry) (*RealtimeMetrics, error) {
	m := &RealtimeMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize realtime metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register realtime metrics: %w", err)
	}
	return m, nil
}

func (m *RealtimeMetrics) initMetrics() error {
	m.activeClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_active_clients",
			Help: "Current number of connected realtime clients",
		},
		[]string{"transport"}, // sse, websocket
	)

	m.clientsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_clients_total",
			Help: "Total number of realtime client connections",
		},
		[]string{"transport"},
	)

	m.messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_messages_sent_total",
			Help: "Total number of messages delivered to realtime clients",
		},
		[]string{"transport"},
	)

	m.messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_messages_dropped_total",
			Help: "Total number of messages dropped for slow realtime clients",
		},
		[]string{"transport"},
	)

	m.publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_bridge_publish_total",
			Help: "Total number of messages published to external bridges",
		},
		[]string{"bridge", "status"}, // bridge: mqtt, redis
	)

	return nil
}

// ClientConnected records a new client
func (m *RealtimeMetrics) ClientConnected(transport string) {
	if m == nil {
		return
	}
	m.activeClients.WithLabelValues(transport).Inc()
	m.clientsTotal.WithLabelValues(transport).Inc()
}

// ClientDisconnected records a client leaving
func (m *RealtimeMetrics) ClientDisconnected(transport string) {
	if m == nil {
		return
	}
	m.activeClients.WithLabelValues(transport).Dec()
}

// RecordDelivery counts a delivered or dropped client message
func (m *RealtimeMetrics) RecordDelivery(transport string, delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.messagesSent.WithLabelValues(transport).Inc()
		return
	}
	m.messagesDropped.WithLabelValues(transport).Inc()
}

// RecordPublish counts a bridge publish
func (m *RealtimeMetrics) RecordPublish(bridge, status string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(bridge, status).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *RealtimeMetrics) Collect(ch chan<- prometheus.Metric) {
	m.activeClients.Collect(ch)
	m.clientsTotal.Collect(ch)
	m.messagesSent.Collect(ch)
	m.messagesDropped.Collect(ch)
	m.publishTotal.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *RealtimeMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.activeClients.Describe(ch)
	m.clientsTotal.Describe(ch)
	m.messagesSent.Describe(ch)
	m.messagesDropped.Describe(ch)
	m.publishTotal.Describe(ch)
}
