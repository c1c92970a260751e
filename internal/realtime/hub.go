// Package realtime delivers broadcast events to connected SSE and WebSocket
// clients grouped in rooms, and bridges them to MQTT and Redis.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// Transports
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Frame types that are not broadcast events
const (
	MessageTypeConnected = "connected"
	MessageTypeHeartbeat = "heartbeat"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
)

const defaultClientBuffer = 256

// ErrTooManyClients is returned by Subscribe when the hub is full
var ErrTooManyClients = errors.NewStd("too many realtime clients")

// ErrHubClosed is returned by Subscribe after Close
var ErrHubClosed = errors.NewStd("realtime hub closed")

// Message is one frame sent to a client
type Message struct {
	Type      string    `json:"type"`
	Room      string    `json:"room,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberIDCounter generates unique, monotonically increasing subscriber ids
var subscriberIDCounter atomic.Uint64

// Subscriber is one connected client. Its channel is closed when the hub
// drops it, either on Unsubscribe, on Close or because it fell behind.
type Subscriber struct {
	id        uint64
	transport string
	rooms     []string
	send      chan Message
}

// ID returns the subscriber's unique identifier
func (s *Subscriber) ID() uint64 { return s.id }

// Rooms returns the rooms the subscriber joined
func (s *Subscriber) Rooms() []string { return s.rooms }

// Messages returns the frames queued for the subscriber
func (s *Subscriber) Messages() <-chan Message { return s.send }

// Hub keeps the room membership of every connected client and implements
// the fan-out Broadcaster for this process.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[*Subscriber]struct{}
	subscribers map[*Subscriber]struct{}
	closed      bool

	maxClients int
	bufferSize int
	metrics    *metrics.RealtimeMetrics
	now        func() time.Time
	log        logger.Logger
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithMaxClients caps concurrent subscribers; zero means unlimited
func WithMaxClients(n int) HubOption {
	return func(h *Hub) { h.maxClients = n }
}

// WithClientBuffer sets the per-client queue length
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithHubMetrics records client and delivery metrics
func WithHubMetrics(m *metrics.RealtimeMetrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty hub
func NewHub(log logger.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = logger.Global().Module("realtime")
	}
	h := &Hub{
		rooms:       make(map[string]map[*Subscriber]struct{}),
		subscribers: make(map[*Subscriber]struct{}),
		bufferSize:  defaultClientBuffer,
		now:         time.Now,
		log:         log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a client in the given rooms
func (h *Hub) Subscribe(transport string, rooms ...string) (*Subscriber, error) {
	if len(rooms) == 0 {
		return nil, errors.Newf("subscriber must join at least one room").
			Component("realtime").
			Category(errors.CategoryValidation).
			Build()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New(ErrHubClosed).
			Component("realtime").
			Category(errors.CategoryState).
			Build()
	}
	if h.maxClients > 0 && len(h.subscribers) >= h.maxClients {
		return nil, errors.New(ErrTooManyClients).
			Component("realtime").
			Category(errors.CategoryBroadcast).
			Context("max_clients", h.maxClients).
			Build()
	}

	sub := &Subscriber{
		id:        subscriberIDCounter.Add(1),
		transport: transport,
		rooms:     rooms,
		send:      make(chan Message, h.bufferSize),
	}
	h.subscribers[sub] = struct{}{}
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Subscriber]struct{})
			h.rooms[room] = members
		}
		members[sub] = struct{}{}
	}
	h.metrics.ClientConnected(transport)
	h.log.Debug("realtime client subscribed",
		logger.Uint64("subscriber_id", sub.id),
		logger.String("transport", transport),
		logger.Any("rooms", rooms),
		logger.Int("clients", len(h.subscribers)))
	return sub, nil
}

// Unsubscribe removes a client and closes its channel. It is safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	for _, room := range sub.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, sub)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(sub.send)
	h.metrics.ClientDisconnected(sub.transport)
	h.log.Debug("realtime client removed",
		logger.Uint64("subscriber_id", sub.id),
		logger.Int("clients", len(h.subscribers)))
}

// Broadcast queues an event for every subscriber of room. Slow subscribers
// whose queue is full are dropped rather than blocking the caller.
func (h *Hub) Broadcast(ctx context.Context, room, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.Deliver(Message{Type: event, Room: room, Data: payload, Timestamp: h.now().UTC()})
	return nil
}

// Deliver queues an already built message for the subscribers of msg.Room
// and returns the number of subscribers that received it.
func (h *Hub) Deliver(msg Message) int {
	h.mu.RLock()
	var (
		delivered int
		slow      []*Subscriber
	)
	for sub := range h.rooms[msg.Room] {
		select {
		case sub.send <- msg:
			delivered++
			h.metrics.RecordDelivery(sub.transport, true)
		default:
			h.metrics.RecordDelivery(sub.transport, false)
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, sub := range slow {
			h.log.Warn("dropping slow realtime client",
				logger.Uint64("subscriber_id", sub.id),
				logger.String("transport", sub.transport))
			h.removeLocked(sub)
		}
		h.mu.Unlock()
	}
	return delivered
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// RoomSize returns the number of subscribers in a room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every subscriber and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		h.removeLocked(sub)
	}
}
