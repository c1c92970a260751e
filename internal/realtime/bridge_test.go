package realtime

import (
	"context"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/logger"
)

type published struct {
	topic   string
	payload []byte
}

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeMQTT) Connect(context.Context) error { return nil }
func (f *fakeMQTT) IsConnected() bool             { return true }
func (f *fakeMQTT) Disconnect()                   {}

func (f *fakeMQTT) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic, payload})
	return nil
}

func TestMQTTBroadcaster_PublishesStationRooms(t *testing.T) {
	t.Parallel()
	client := &fakeMQTT{}
	b := NewMQTTBroadcaster(client, "/birdhub/", nil, logger.NewDiscardLogger())
	ctx := context.Background()

	require.NoError(t, b.Broadcast(ctx, fanout.StationRoom("st-1"), fanout.EventNewDetection, map[string]any{"commonName": "Great Tit"}))
	require.NoError(t, b.Broadcast(ctx, fanout.RoomGlobal, fanout.EventNewDetection, map[string]any{}))
	require.NoError(t, b.Broadcast(ctx, fanout.UserRoom(7), "notification", map[string]any{}))

	require.Len(t, client.msgs, 1)
	assert.Equal(t, "birdhub/st-1/detections", client.msgs[0].topic)
	assert.JSONEq(t, `{"commonName":"Great Tit"}`, string(client.msgs[0].payload))
}

func TestMQTTBroadcaster_Topic(t *testing.T) {
	t.Parallel()
	b := NewMQTTBroadcaster(&fakeMQTT{}, "", nil, logger.NewDiscardLogger())
	assert.Equal(t, "birdhub/st-1/detections", b.Topic("st-1", fanout.EventNewDetection))
	assert.Equal(t, "birdhub/st-1/stationOffline", b.Topic("st-1", "stationOffline"))
}

func TestMQTTBroadcaster_PublishFailure(t *testing.T) {
	t.Parallel()
	client := &fakeMQTT{err: errors.NewStd("not connected")}
	b := NewMQTTBroadcaster(client, "birdhub", nil, logger.NewDiscardLogger())

	err := b.Broadcast(context.Background(), fanout.StationRoom("st-1"), fanout.EventNewDetection, 1)
	assert.Error(t, err)
}

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakeRedis) Publish(_ context.Context, _ string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.published = append(f.published, string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Subscribe(context.Context, ...string) *redis.PubSub {
	return nil
}

func TestRedisBridge_DeliversForeignMessages(t *testing.T) {
	t.Parallel()
	client := &fakeRedis{}
	hubA := newTestHub(t)
	hubB := newTestHub(t)
	bridgeA := NewRedisBridge(client, "test:realtime", hubA, nil, logger.NewDiscardLogger())
	bridgeB := NewRedisBridge(client, "test:realtime", hubB, nil, logger.NewDiscardLogger())

	subA, err := hubA.Subscribe(TransportSSE, fanout.StationRoom("st-1"))
	require.NoError(t, err)
	subB, err := hubB.Subscribe(TransportSSE, fanout.StationRoom("st-1"))
	require.NoError(t, err)

	require.NoError(t, bridgeA.Broadcast(context.Background(), fanout.StationRoom("st-1"), fanout.EventNewDetection, map[string]any{"id": 42}))
	require.Len(t, client.published, 1)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(client.published[0]), &env))
	assert.Equal(t, "station:st-1", env.Room)
	assert.Equal(t, fanout.EventNewDetection, env.Type)
	assert.JSONEq(t, `{"id":42}`, string(env.Data))

	// the publishing process ignores its own envelope
	assert.Equal(t, 0, bridgeA.handle(client.published[0]))
	assert.Empty(t, drain(subA))

	assert.Equal(t, 1, bridgeB.handle(client.published[0]))
	got := drain(subB)
	require.Len(t, got, 1)
	assert.Equal(t, fanout.EventNewDetection, got[0].Type)
	assert.Equal(t, "station:st-1", got[0].Room)

	// raw data is forwarded unchanged to clients
	frame, err := json.Marshal(got[0])
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"data":{"id":42}`)
}

func TestRedisBridge_IgnoresMalformedEnvelopes(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t)
	bridge := NewRedisBridge(&fakeRedis{}, "", hub, nil, logger.NewDiscardLogger())

	assert.Equal(t, 0, bridge.handle("not json"))
	assert.Equal(t, 0, bridge.handle(`{"origin":"other","type":"x"}`))
}

func TestRedisBridge_PublishFailure(t *testing.T) {
	t.Parallel()
	bridge := NewRedisBridge(&fakeRedis{err: errors.NewStd("connection refused")}, "", nil, nil, logger.NewDiscardLogger())

	err := bridge.Broadcast(context.Background(), fanout.RoomGlobal, "tick", 1)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryBroadcast))
}

func TestRedisBridge_RunNeedsHub(t *testing.T) {
	t.Parallel()
	bridge := NewRedisBridge(&fakeRedis{}, "", nil, nil, logger.NewDiscardLogger())
	err := bridge.Run(context.Background())
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

type failingBroadcaster struct{ calls int }

func (f *failingBroadcaster) Broadcast(context.Context, string, string, any) error {
	f.calls++
	return errors.NewStd("bridge down")
}

func TestMultiBroadcaster(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t)
	sub, err := hub.Subscribe(TransportSSE, fanout.RoomGlobal)
	require.NoError(t, err)

	failing := &failingBroadcaster{}
	var nilBridge *RedisBridge
	multi := NewMultiBroadcaster(hub, nil, nilBridge, failing)
	assert.Equal(t, 2, multi.Len())

	err = multi.Broadcast(context.Background(), fanout.RoomGlobal, "tick", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge down")
	assert.Equal(t, 1, failing.calls)

	// the hub still delivered
	assert.Len(t, drain(sub), 1)
}
