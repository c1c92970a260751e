package realtime

import (
	"context"
	"strings"

	"github.com/goccy/go-json"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/mqtt"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// BridgeMQTT labels MQTT publishes in metrics
const BridgeMQTT = "mqtt"

// MQTTBroadcaster republishes station room events to
// <prefix>/<station>/<suffix>. Other rooms are not mirrored.
type MQTTBroadcaster struct {
	client  mqtt.Client
	prefix  string
	metrics *metrics.RealtimeMetrics
	log     logger.Logger
}

// NewMQTTBroadcaster creates a broadcaster on a connected client
func NewMQTTBroadcaster(client mqtt.Client, topicPrefix string, m *metrics.RealtimeMetrics, log logger.Logger) *MQTTBroadcaster {
	if log == nil {
		log = logger.Global().Module("realtime")
	}
	prefix := strings.Trim(topicPrefix, "/")
	if prefix == "" {
		prefix = "birdhub"
	}
	return &MQTTBroadcaster{client: client, prefix: prefix, metrics: m, log: log}
}

// Topic returns the MQTT topic for a station event
func (b *MQTTBroadcaster) Topic(stationID, event string) string {
	suffix := event
	if event == fanout.EventNewDetection {
		suffix = "detections"
	}
	return b.prefix + "/" + stationID + "/" + suffix
}

// Broadcast implements fanout.Broadcaster
func (b *MQTTBroadcaster) Broadcast(ctx context.Context, room, event string, payload any) error {
	stationID, ok := strings.CutPrefix(room, fanout.StationRoom(""))
	if !ok || stationID == "" {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.metrics.RecordPublish(BridgeMQTT, metrics.StatusError)
		return errors.New(err).
			Component("realtime").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal").
			Build()
	}

	topic := b.Topic(stationID, event)
	if err := b.client.Publish(ctx, topic, data); err != nil {
		b.metrics.RecordPublish(BridgeMQTT, metrics.StatusError)
		return err
	}
	b.metrics.RecordPublish(BridgeMQTT, metrics.StatusSuccess)
	b.log.Trace("mirrored event to MQTT", logger.String("topic", topic))
	return nil
}
