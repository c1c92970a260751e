package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/logger"
)

func startWSServer(t *testing.T, hub *Hub, origins []string) string {
	t.Helper()
	e := echo.New()
	e.GET("/ws", NewWSHandler(hub, origins, logger.NewDiscardLogger()).Serve)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocket_ReceivesBroadcasts(t *testing.T) {
	hub := newTestHub(t)
	url := startWSServer(t, hub, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?station=st-1&user=7", nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readFrame(t, conn)
	assert.Equal(t, MessageTypeConnected, hello.Type)
	assert.Equal(t, 1, hub.RoomSize(fanout.StationRoom("st-1")))
	assert.Equal(t, 1, hub.RoomSize(fanout.UserRoom(7)))

	ctx := context.Background()
	require.NoError(t, hub.Broadcast(ctx, fanout.StationRoom("st-1"), fanout.EventNewDetection, map[string]any{"id": 1}))
	require.NoError(t, hub.Broadcast(ctx, fanout.UserRoom(7), "notification", map[string]any{"id": 2}))

	first := readFrame(t, conn)
	assert.Equal(t, fanout.EventNewDetection, first.Type)
	assert.Equal(t, map[string]any{"id": float64(1)}, first.Data)

	second := readFrame(t, conn)
	assert.Equal(t, "notification", second.Type)
	assert.Equal(t, "user:7", second.Room)
}

func TestWebSocket_PingPong(t *testing.T) {
	hub := newTestHub(t)
	url := startWSServer(t, hub, []string{"*"})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, MessageTypePong, readFrame(t, conn).Type)
}

func TestWebSocket_DisconnectUnsubscribes(t *testing.T) {
	hub := newTestHub(t)
	url := startWSServer(t, hub, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	readFrame(t, conn)
	require.Equal(t, 1, hub.ClientCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_HubCloseEndsConnection(t *testing.T) {
	hub := NewHub(logger.NewDiscardLogger())
	url := startWSServer(t, hub, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)

	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWebSocket_OriginCheck(t *testing.T) {
	hub := newTestHub(t)
	url := startWSServer(t, hub, []string{"https://birds.example.org"})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
	assert.Equal(t, 0, hub.ClientCount())

	header = http.Header{"Origin": []string{"https://birds.example.org"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, MessageTypeConnected, readFrame(t, conn).Type)
}
