package notification

import (
	"context"
	"strings"
	"time"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
)

// EventNotification is the realtime event carrying an in-app notification
const EventNotification = "notification"

// InAppPayload is the frame data of an in-app notification
type InAppPayload struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Event     string            `json:"event"`
	Detection fanout.JobPayload `json:"detection"`
	CreatedAt time.Time         `json:"createdAt"`
}

// InAppSender publishes in-app jobs to the recipient's realtime user room
type InAppSender struct {
	broadcaster fanout.Broadcaster
	renderer    *Renderer
}

// NewInAppSender creates a sender. In a worker process the broadcaster is
// usually the Redis bridge so API processes deliver to connected users.
func NewInAppSender(b fanout.Broadcaster, renderer *Renderer) *InAppSender {
	return &InAppSender{broadcaster: b, renderer: renderer}
}

// Channel implements Sender
func (s *InAppSender) Channel() string {
	return datastore.ChannelInApp
}

// Send implements Sender
func (s *InAppSender) Send(ctx context.Context, job fanout.NotificationJob) error {
	if !strings.HasPrefix(job.RecipientAddress, "user:") {
		return Permanent(errors.Newf("in-app recipient %q is not a user room", job.RecipientAddress).
			Component("notification").
			Category(errors.CategoryValidation).
			Build())
	}

	msg := s.renderer.Render(job)
	payload := InAppPayload{
		ID:        job.ID,
		Title:     msg.Title,
		Body:      msg.Body,
		Event:     job.Event,
		Detection: job.Payload,
		CreatedAt: job.CreatedAt,
	}
	if err := s.broadcaster.Broadcast(ctx, job.RecipientAddress, EventNotification, payload); err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryBroadcast).
			Context("channel", datastore.ChannelInApp).
			Context("job_id", job.ID).
			Build()
	}
	return nil
}
