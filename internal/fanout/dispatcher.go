// Package fanout distributes committed detections to realtime subscribers and
// turns matching notification preferences into queued jobs.
package fanout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/events"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// Broadcaster delivers an event to every subscriber of a room
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, payload any) error
}

// PreferenceStore returns enabled preferences with their users loaded
type PreferenceStore interface {
	GetEnabledPreferences(ctx context.Context, stationID, eventType string) ([]datastore.NotificationPreference, error)
}

// Enqueuer is the outbound port of the notification queue
type Enqueuer interface {
	Enqueue(ctx context.Context, job NotificationJob) error
}

// StationDirectory resolves station display names
type StationDirectory interface {
	DisplayName(ctx context.Context, stationID string) string
}

// Result summarizes one dispatch
type Result struct {
	Broadcasted bool // both the station room and the global room accepted the event
	Matched     int
	Enqueued    int
}

// Dispatcher performs the post-commit fan-out of a detection
type Dispatcher struct {
	broadcaster Broadcaster
	prefs       PreferenceStore
	enqueuer    Enqueuer
	stations    StationDirectory
	metrics     *metrics.FanoutMetrics
	now         func() time.Time
	log         logger.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMetrics records fan-out metrics
func WithMetrics(m *metrics.FanoutMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces time.Now for job timestamps
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher. Any collaborator may be nil, which
// disables the matching part of the fan-out.
func NewDispatcher(b Broadcaster, prefs PreferenceStore, q Enqueuer, stations StationDirectory, log logger.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logger.Global().Module("fanout")
	}
	d := &Dispatcher{
		broadcaster: b,
		prefs:       prefs,
		enqueuer:    q,
		stations:    stations,
		now:         time.Now,
		log:         log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements events.Consumer
func (d *Dispatcher) Name() string {
	return "fanout-dispatcher"
}

// ProcessEvent implements events.Consumer. Dispatch failures are logged and
// counted by Dispatch itself, so the bus never sees an error.
func (d *Dispatcher) ProcessEvent(ctx context.Context, event events.DetectionEvent) error {
	if event.Detection == nil {
		return nil
	}
	d.Dispatch(ctx, event.Detection)
	return nil
}

// Dispatch broadcasts the detection and enqueues a job per matching
// preference and channel. The two parts run independently; neither can fail
// the other and no error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, det *datastore.Detection) Result {
	start := time.Now()
	log := d.log.With(
		logger.Uint64("detection_id", det.ID),
		logger.String("station_id", det.StationID))

	var (
		broadcasted bool
		matched     int
		enqueued    int
	)

	var g errgroup.Group
	g.Go(func() error {
		broadcasted = d.broadcast(ctx, log, det)
		return nil
	})
	g.Go(func() error {
		matched, enqueued = d.notify(ctx, log, det)
		return nil
	})
	_ = g.Wait()

	res := Result{Broadcasted: broadcasted, Matched: matched, Enqueued: enqueued}
	status := metrics.StatusSuccess
	if !res.Broadcasted || res.Enqueued < res.Matched {
		status = metrics.StatusError
	}
	d.metrics.RecordDispatch(status, time.Since(start))
	log.Debug("detection dispatched",
		logger.Bool("broadcasted", res.Broadcasted),
		logger.Int("matched", res.Matched),
		logger.Int("enqueued", res.Enqueued),
		logger.Duration("duration", time.Since(start)))
	return res
}

// broadcast emits to the station room and the global room, best effort
func (d *Dispatcher) broadcast(ctx context.Context, log logger.Logger, det *datastore.Detection) bool {
	if d.broadcaster == nil {
		return false
	}

	ok := true
	for _, target := range []struct{ scope, room string }{
		{"station", StationRoom(det.StationID)},
		{"global", RoomGlobal},
	} {
		if err := d.broadcaster.Broadcast(ctx, target.room, EventNewDetection, det); err != nil {
			ok = false
			d.metrics.RecordBroadcast(target.scope, metrics.StatusError)
			log.Warn("realtime broadcast failed",
				logger.String("room", target.room),
				logger.Error(err))
			continue
		}
		d.metrics.RecordBroadcast(target.scope, metrics.StatusSuccess)
	}
	return ok
}

// notify matches preferences per channel and enqueues one job per match
func (d *Dispatcher) notify(ctx context.Context, log logger.Logger, det *datastore.Detection) (matched, enqueued int) {
	if d.prefs == nil || d.enqueuer == nil {
		return 0, 0
	}

	prefs, err := d.prefs.GetEnabledPreferences(ctx, det.StationID, datastore.EventNewDetection)
	if err != nil {
		log.Warn("preference store unavailable, no notifications for this detection", logger.Error(err))
		return 0, 0
	}
	if len(prefs) == 0 {
		log.Trace("no notification preferences for station")
		return 0, 0
	}

	stationName := det.StationID
	if d.stations != nil {
		stationName = d.stations.DisplayName(ctx, det.StationID)
	}
	payload := newPayload(det, stationName)

	for i := range prefs {
		pref := &prefs[i]
		if !Matches(pref, det.Confidence) {
			continue
		}
		recipient, ok := recipientAddress(pref)
		if !ok {
			log.Warn("matching preference has no usable recipient",
				logger.Uint64("user_id", pref.UserID),
				logger.String("channel", pref.Channel))
			continue
		}
		matched++
		d.metrics.RecordMatch(pref.Channel)

		job := NotificationJob{
			ID:               uuid.New().String(),
			RecipientAddress: recipient,
			Channel:          pref.Channel,
			Event:            EventNewDetection,
			Payload:          payload,
			CreatedAt:        d.now().UTC(),
		}
		if err := d.enqueuer.Enqueue(ctx, job); err != nil {
			d.metrics.RecordEnqueue(pref.Channel, metrics.StatusError)
			log.Error("failed to enqueue notification job",
				logger.String("job_id", job.ID),
				logger.Uint64("user_id", pref.UserID),
				logger.String("channel", pref.Channel),
				logger.Error(err))
			continue
		}
		d.metrics.RecordEnqueue(pref.Channel, metrics.StatusSuccess)
		enqueued++
	}
	return matched, enqueued
}

// Matches reports whether an enabled preference fires for a confidence.
// A nil threshold always matches.
func Matches(pref *datastore.NotificationPreference, confidence float64) bool {
	if pref == nil || !pref.Enabled {
		return false
	}
	switch pref.Channel {
	case datastore.ChannelInApp, datastore.ChannelEmail:
	default:
		return false
	}
	return pref.Threshold == nil || confidence >= *pref.Threshold
}

// recipientAddress is the email for email jobs and the user room for in-app jobs
func recipientAddress(pref *datastore.NotificationPreference) (string, bool) {
	switch pref.Channel {
	case datastore.ChannelEmail:
		return pref.User.Email, pref.User.Email != ""
	case datastore.ChannelInApp:
		return UserRoom(pref.UserID), pref.UserID != 0
	}
	return "", false
}
