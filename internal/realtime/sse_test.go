package realtime

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/logger"
)

type sseEvent struct {
	name string
	msg  Message
}

// readEvent reads the next "event:/data:" frame
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.msg))
		case line == "":
			return ev
		}
	}
}

func startSSEServer(t *testing.T, hub *Hub, heartbeat time.Duration) *httptest.Server {
	t.Helper()
	e := echo.New()
	e.GET("/stream", NewSSEHandler(hub, heartbeat, logger.NewDiscardLogger()).Stream)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func openStream(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{}}
	t.Cleanup(client.CloseIdleConnections)
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSSE_StreamsStationEvents(t *testing.T) {
	hub := newTestHub(t)
	srv := startSSEServer(t, hub, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := openStream(t, ctx, srv.URL+"/stream?station=st-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	r := bufio.NewReader(resp.Body)
	first := readEvent(t, r)
	assert.Equal(t, MessageTypeConnected, first.name)
	assert.Equal(t, 1, hub.RoomSize(fanout.StationRoom("st-1")))

	// other stations are not streamed
	require.NoError(t, hub.Broadcast(ctx, fanout.StationRoom("st-2"), fanout.EventNewDetection, map[string]string{"station": "st-2"}))
	require.NoError(t, hub.Broadcast(ctx, fanout.StationRoom("st-1"), fanout.EventNewDetection, map[string]string{"station": "st-1"}))

	ev := readEvent(t, r)
	assert.Equal(t, fanout.EventNewDetection, ev.name)
	assert.Equal(t, "station:st-1", ev.msg.Room)
	assert.Equal(t, map[string]any{"station": "st-1"}, ev.msg.Data)

	cancel()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSE_Heartbeat(t *testing.T) {
	hub := newTestHub(t)
	srv := startSSEServer(t, hub, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := openStream(t, ctx, srv.URL+"/stream")

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, MessageTypeConnected, readEvent(t, r).name)
	ev := readEvent(t, r)
	assert.Equal(t, MessageTypeHeartbeat, ev.name)
	assert.Equal(t, map[string]any{"clients": float64(1)}, ev.msg.Data)
}

func TestSSE_RejectsWhenFull(t *testing.T) {
	hub := newTestHub(t, WithMaxClients(1))
	_, err := hub.Subscribe(TransportWebSocket, fanout.RoomGlobal)
	require.NoError(t, err)

	e := echo.New()
	e.GET("/stream", NewSSEHandler(hub, time.Hour, logger.NewDiscardLogger()).Stream)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSSE_RejectsInvalidUser(t *testing.T) {
	hub := newTestHub(t)
	e := echo.New()
	e.GET("/stream", NewSSEHandler(hub, time.Hour, logger.NewDiscardLogger()).Stream)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream?user=bob", http.NoBody))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, hub.ClientCount())
}
