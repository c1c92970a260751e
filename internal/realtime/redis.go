package realtime

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// BridgeRedis labels Redis publishes in metrics
const BridgeRedis = "redis"

// envelope is the wire format on the shared Redis channel
type envelope struct {
	Origin    string          `json:"origin"`
	Room      string          `json:"room"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// redisClient is the subset of *redis.Client used by the bridge
type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBridge shares broadcasts between processes. Broadcast publishes to a
// Redis channel; Run delivers messages published by other processes to the
// local hub. A process never re-delivers its own messages, so the hub and
// the bridge can be combined in one MultiBroadcaster.
type RedisBridge struct {
	client  redisClient
	channel string
	origin  string
	hub     *Hub
	metrics *metrics.RealtimeMetrics
	log     logger.Logger
}

// NewRedisBridge creates a bridge. hub may be nil for publish-only
// processes such as the notification worker.
func NewRedisBridge(client redisClient, channel string, hub *Hub, m *metrics.RealtimeMetrics, log logger.Logger) *RedisBridge {
	if log == nil {
		log = logger.Global().Module("realtime")
	}
	if channel == "" {
		channel = "birdhub:realtime"
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		metrics: m,
		log:     log.With(logger.String("channel", channel)),
	}
}

// NewRedisClient parses url and verifies the connection with a ping
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.New(err).
			Component("realtime").
			Category(errors.CategoryConfiguration).
			Context("url", logger.RedactURL(url)).
			Build()
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.New(err).
			Component("realtime").
			Category(errors.CategoryNetwork).
			Context("url", logger.RedactURL(url)).
			Build()
	}
	return client, nil
}

// Broadcast implements fanout.Broadcaster
func (b *RedisBridge) Broadcast(ctx context.Context, room, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		b.metrics.RecordPublish(BridgeRedis, metrics.StatusError)
		return errors.New(err).
			Component("realtime").
			Category(errors.CategoryBroadcast).
			Context("operation", "marshal").
			Build()
	}
	raw, err := json.Marshal(envelope{
		Origin:    b.origin,
		Room:      room,
		Type:      event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.metrics.RecordPublish(BridgeRedis, metrics.StatusError)
		return errors.New(err).
			Component("realtime").
			Category(errors.CategoryBroadcast).
			Build()
	}

	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.metrics.RecordPublish(BridgeRedis, metrics.StatusError)
		return errors.New(err).
			Component("realtime").
			Category(errors.CategoryBroadcast).
			Context("room", room).
			Build()
	}
	b.metrics.RecordPublish(BridgeRedis, metrics.StatusSuccess)
	return nil
}

// Run subscribes to the channel and feeds the local hub until ctx ends
func (b *RedisBridge) Run(ctx context.Context) error {
	if b.hub == nil {
		return errors.Newf("redis bridge has no hub to deliver to").
			Component("realtime").
			Category(errors.CategoryConfiguration).
			Build()
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	// Receive waits for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.New(err).
			Component("realtime").
			Category(errors.CategoryNetwork).
			Context("operation", "subscribe").
			Build()
	}
	b.log.Info("redis realtime bridge subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload)
		}
	}
}

// handle delivers one foreign envelope to the local hub
func (b *RedisBridge) handle(payload string) int {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("ignoring malformed realtime envelope", logger.Error(err))
		return 0
	}
	if env.Origin == b.origin || env.Room == "" {
		return 0
	}
	return b.hub.Deliver(Message{
		Type:      env.Type,
		Room:      env.Room,
		Data:      env.Data,
		Timestamp: env.Timestamp,
	})
}
