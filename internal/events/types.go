// Package events provides an asynchronous event bus that hands committed
// detections to their consumers without blocking the ingesting request.
package events

import (
	"context"
	"time"

	"github.com/birdhub/birdhub/internal/datastore"
)

// DetectionEvent is published once a detection and its audio file are committed
type DetectionEvent struct {
	// Detection is the persisted record, media attached when resolved
	Detection *datastore.Detection

	// CorrelationID ties log lines of the ingest request to its dispatch
	CorrelationID string

	// CommittedAt is when the transaction committed
	CommittedAt time.Time
}

// Consumer processes detection events taken off the bus
type Consumer interface {
	// Name returns the consumer name for identification
	Name() string

	// ProcessEvent handles one event. The context carries the per-event deadline.
	ProcessEvent(ctx context.Context, event DetectionEvent) error
}

// Publisher is the producer side of the bus
type Publisher interface {
	// TryPublish hands the event over without blocking and reports whether it was accepted
	TryPublish(event DetectionEvent) bool
}

// EventBusStats contains runtime statistics for monitoring
type EventBusStats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
}
