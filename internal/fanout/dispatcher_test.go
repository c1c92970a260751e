package fanout

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/events"
	"github.com/birdhub/birdhub/internal/logger"
)

// TestMain provides goleak verification to detect goroutine leaks
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
	os.Exit(m.Run())
}

type broadcastCall struct {
	room    string
	event   string
	payload any
}

// fakeBroadcaster records broadcasts and fails for rooms listed in failRooms
type fakeBroadcaster struct {
	mu        sync.Mutex
	calls     []broadcastCall
	failRooms map[string]bool
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, room, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{room, event, payload})
	if b.failRooms[room] {
		return errors.Newf("room %s unavailable", room).Category(errors.CategoryBroadcast).Build()
	}
	return nil
}

func (b *fakeBroadcaster) Rooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	rooms := make([]string, 0, len(b.calls))
	for _, c := range b.calls {
		rooms = append(rooms, c.room)
	}
	return rooms
}

// fakeQueue collects jobs; fail makes every enqueue fail
type fakeQueue struct {
	mu   sync.Mutex
	jobs []NotificationJob
	fail bool
}

func (q *fakeQueue) Enqueue(_ context.Context, job NotificationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.Newf("queue full").Category(errors.CategoryJobQueue).Build()
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Jobs() []NotificationJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]NotificationJob(nil), q.jobs...)
}

type staticPrefs struct {
	prefs []datastore.NotificationPreference
	err   error
}

func (s staticPrefs) GetEnabledPreferences(context.Context, string, string) ([]datastore.NotificationPreference, error) {
	return s.prefs, s.err
}

type staticDirectory map[string]string

func (d staticDirectory) DisplayName(_ context.Context, id string) string {
	if name, ok := d[id]; ok {
		return name
	}
	return id
}

func threshold(v float64) *float64 { return &v }

func pref(userID uint64, email, channel string, th *float64) datastore.NotificationPreference {
	return datastore.NotificationPreference{
		UserID:    userID,
		User:      datastore.User{ID: userID, Email: email},
		StationID: "st-1",
		EventType: datastore.EventNewDetection,
		Channel:   channel,
		Enabled:   true,
		Threshold: th,
	}
}

func detection(confidence float64) *datastore.Detection {
	return &datastore.Detection{
		ID:                 42,
		StationID:          "st-1",
		CommonName:         "Eurasian Blackbird",
		ScientificName:     "Turdus merula",
		Confidence:         confidence,
		DetectionTimestamp: time.Date(2024, 6, 1, 5, 30, 0, 0, time.UTC),
	}
}

func TestDispatch_BroadcastsToStationAndGlobalRooms(t *testing.T) {
	t.Parallel()
	b := &fakeBroadcaster{}
	d := NewDispatcher(b, nil, nil, nil, logger.NewDiscardLogger())

	det := detection(0.82)
	res := d.Dispatch(context.Background(), det)

	assert.True(t, res.Broadcasted)
	assert.ElementsMatch(t, []string{"station:st-1", "global"}, b.Rooms())
	for _, c := range b.calls {
		assert.Equal(t, EventNewDetection, c.event)
		assert.Same(t, det, c.payload)
	}
}

func TestDispatch_ThresholdMatchingPerUser(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	prefs := staticPrefs{prefs: []datastore.NotificationPreference{
		pref(1, "low@example.org", datastore.ChannelEmail, threshold(0.5)),
		pref(2, "high@example.org", datastore.ChannelEmail, threshold(0.9)),
	}}
	d := NewDispatcher(&fakeBroadcaster{}, prefs, q, staticDirectory{"st-1": "Back Garden"}, logger.NewDiscardLogger())

	res := d.Dispatch(context.Background(), detection(0.82))
	assert.Equal(t, Result{Broadcasted: true, Matched: 1, Enqueued: 1}, res)

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "low@example.org", job.RecipientAddress)
	assert.Equal(t, datastore.ChannelEmail, job.Channel)
	assert.Equal(t, EventNewDetection, job.Event)
	assert.Equal(t, 82, job.Payload.ConfidencePercent)
	assert.Equal(t, "Eurasian Blackbird", job.Payload.SpeciesCommonName)
	assert.Equal(t, "Turdus merula", job.Payload.ScientificName)
	assert.Equal(t, "Back Garden", job.Payload.StationDisplayName)
	assert.Equal(t, uint64(42), job.Payload.DetectionID)
	assert.Equal(t, time.Date(2024, 6, 1, 5, 30, 0, 0, time.UTC), job.Payload.Timestamp)
}

func TestDispatch_ChannelsMatchIndependently(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	prefs := staticPrefs{prefs: []datastore.NotificationPreference{
		pref(7, "user7@example.org", datastore.ChannelInApp, threshold(0.6)),
		pref(7, "user7@example.org", datastore.ChannelEmail, threshold(0.95)),
		pref(8, "user8@example.org", datastore.ChannelInApp, nil),
	}}
	d := NewDispatcher(nil, prefs, q, nil, logger.NewDiscardLogger())

	res := d.Dispatch(context.Background(), detection(0.7))
	assert.False(t, res.Broadcasted)
	assert.Equal(t, 2, res.Matched)

	recipients := make([]string, 0, 2)
	for _, j := range q.Jobs() {
		assert.Equal(t, datastore.ChannelInApp, j.Channel)
		assert.Equal(t, "st-1", j.Payload.StationDisplayName, "falls back to the station id")
		recipients = append(recipients, j.RecipientAddress)
	}
	assert.ElementsMatch(t, []string{"user:7", "user:8"}, recipients)
}

func TestDispatch_ThresholdIsInclusive(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	prefs := staticPrefs{prefs: []datastore.NotificationPreference{
		pref(1, "a@example.org", datastore.ChannelEmail, threshold(0.75)),
	}}
	d := NewDispatcher(nil, prefs, q, nil, logger.NewDiscardLogger())

	assert.Equal(t, 1, d.Dispatch(context.Background(), detection(0.75)).Enqueued)
}

func TestDispatch_PreferenceStoreUnavailable(t *testing.T) {
	t.Parallel()
	b := &fakeBroadcaster{}
	q := &fakeQueue{}
	prefs := staticPrefs{err: errors.Newf("connection refused").Category(errors.CategoryDatabase).Build()}
	d := NewDispatcher(b, prefs, q, nil, logger.NewDiscardLogger())

	res := d.Dispatch(context.Background(), detection(0.99))
	assert.Equal(t, Result{Broadcasted: true}, res)
	assert.Empty(t, q.Jobs())
}

func TestDispatch_BroadcastFailureDoesNotAffectMatching(t *testing.T) {
	t.Parallel()
	b := &fakeBroadcaster{failRooms: map[string]bool{"station:st-1": true}}
	q := &fakeQueue{}
	prefs := staticPrefs{prefs: []datastore.NotificationPreference{
		pref(1, "a@example.org", datastore.ChannelEmail, nil),
	}}
	d := NewDispatcher(b, prefs, q, nil, logger.NewDiscardLogger())

	res := d.Dispatch(context.Background(), detection(0.4))
	assert.False(t, res.Broadcasted)
	assert.Equal(t, 1, res.Enqueued)
	assert.Contains(t, b.Rooms(), "global", "the global room is still tried")
}

func TestDispatch_EnqueueFailureIsCounted(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{fail: true}
	prefs := staticPrefs{prefs: []datastore.NotificationPreference{
		pref(1, "a@example.org", datastore.ChannelEmail, nil),
		pref(2, "b@example.org", datastore.ChannelEmail, nil),
	}}
	d := NewDispatcher(nil, prefs, q, nil, logger.NewDiscardLogger())

	res := d.Dispatch(context.Background(), detection(0.4))
	assert.Equal(t, 2, res.Matched)
	assert.Zero(t, res.Enqueued)
}

func TestDispatch_SkipsUnusablePreferences(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	disabled := pref(1, "a@example.org", datastore.ChannelEmail, nil)
	disabled.Enabled = false
	noEmail := pref(2, "", datastore.ChannelEmail, nil)
	sms := pref(3, "c@example.org", "sms", nil)
	prefs := staticPrefs{prefs: []datastore.NotificationPreference{disabled, noEmail, sms}}
	d := NewDispatcher(nil, prefs, q, nil, logger.NewDiscardLogger())

	res := d.Dispatch(context.Background(), detection(0.9))
	assert.Zero(t, res.Matched)
	assert.Empty(t, q.Jobs())
}

func TestDispatcher_ConsumesBusEvents(t *testing.T) {
	t.Parallel()
	b := &fakeBroadcaster{}
	d := NewDispatcher(b, nil, nil, nil, logger.NewDiscardLogger())

	bus := events.New(events.Config{BufferSize: 4, Workers: 1}, nil, logger.NewDiscardLogger())
	require.NoError(t, bus.RegisterConsumer(d))
	require.True(t, bus.TryPublish(events.DetectionEvent{Detection: detection(0.5), CorrelationID: "req-1"}))
	require.NoError(t, bus.Shutdown(2*time.Second))

	assert.Len(t, b.Rooms(), 2)
	assert.NoError(t, d.ProcessEvent(context.Background(), events.DetectionEvent{}))
}

func TestDispatch_WithDatastorePreferences(t *testing.T) {
	t.Parallel()
	ds, err := datastore.OpenInMemory(logger.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	ctx := context.Background()

	require.NoError(t, ds.SaveStation(ctx, &datastore.Station{ID: "st-1", Name: "garden", DisplayName: "Back Garden"}))
	low := &datastore.User{Email: "low@example.org"}
	high := &datastore.User{Email: "high@example.org"}
	require.NoError(t, ds.SaveUser(ctx, low))
	require.NoError(t, ds.SaveUser(ctx, high))
	require.NoError(t, ds.SavePreference(ctx, &datastore.NotificationPreference{
		UserID: low.ID, StationID: "st-1", Channel: datastore.ChannelEmail, Enabled: true, Threshold: threshold(0.5),
	}))
	require.NoError(t, ds.SavePreference(ctx, &datastore.NotificationPreference{
		UserID: high.ID, StationID: "st-1", Channel: datastore.ChannelEmail, Enabled: true, Threshold: threshold(0.9),
	}))

	q := &fakeQueue{}
	d := NewDispatcher(nil, ds, q, NewCachedDirectory(ds, time.Minute, logger.NewDiscardLogger()), logger.NewDiscardLogger())

	res := d.Dispatch(ctx, detection(0.82))
	assert.Equal(t, 1, res.Enqueued)
	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "low@example.org", jobs[0].RecipientAddress)
	assert.Equal(t, 82, jobs[0].Payload.ConfidencePercent)
	assert.Equal(t, "Back Garden", jobs[0].Payload.StationDisplayName)
}

func TestConfidencePercent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 82, ConfidencePercent(0.82))
	assert.Equal(t, 100, ConfidencePercent(1))
	assert.Equal(t, 0, ConfidencePercent(0))
	assert.Equal(t, 83, ConfidencePercent(0.826))
}
