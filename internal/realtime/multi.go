package realtime

import (
	"context"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
)

// MultiBroadcaster sends every event through each configured transport
type MultiBroadcaster struct {
	targets []fanout.Broadcaster
}

// NewMultiBroadcaster combines broadcasters; nil entries are skipped so
// optional bridges can be passed unconditionally.
func NewMultiBroadcaster(targets ...fanout.Broadcaster) *MultiBroadcaster {
	m := &MultiBroadcaster{}
	for _, t := range targets {
		if t == nil || isNilBroadcaster(t) {
			continue
		}
		m.targets = append(m.targets, t)
	}
	return m
}

// isNilBroadcaster catches typed nil pointers of the known transports
func isNilBroadcaster(b fanout.Broadcaster) bool {
	switch v := b.(type) {
	case *Hub:
		return v == nil
	case *RedisBridge:
		return v == nil
	case *MQTTBroadcaster:
		return v == nil
	}
	return false
}

// Broadcast implements fanout.Broadcaster. Every target is attempted; the
// failures are joined.
func (m *MultiBroadcaster) Broadcast(ctx context.Context, room, event string, payload any) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.Broadcast(ctx, room, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of targets
func (m *MultiBroadcaster) Len() int {
	return len(m.targets)
}
