package realtime

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/birdhub/birdhub/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // clients only send small control frames
)

// WSHandler upgrades requests to WebSocket connections fed by the hub
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      logger.Logger
}

// NewWSHandler creates a handler that accepts the given origins. "*" or an
// empty list accepts any origin.
func NewWSHandler(hub *Hub, allowedOrigins []string, log logger.Logger) *WSHandler {
	if log == nil {
		log = logger.Global().Module("realtime")
	}
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// Serve handles GET /ws?station=<id>&user=<id>
func (h *WSHandler) Serve(c echo.Context) error {
	rooms, err := RoomsFromQuery(c.QueryParam("station"), c.QueryParam("user"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sub, err := h.hub.Subscribe(TransportWebSocket, rooms...)
	if err != nil {
		return subscribeError(err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.hub.Unsubscribe(sub)
		// the upgrader already replied to the client
		h.log.Debug("websocket upgrade failed", logger.Error(err))
		return nil
	}

	client := &wsClient{
		hub:     h.hub,
		sub:     sub,
		conn:    conn,
		control: make(chan Message, 1),
		log: h.log.With(
			logger.Uint64("subscriber_id", sub.ID()),
			logger.String("ip", c.RealIP())),
	}
	client.control <- Message{
		Type:      MessageTypeConnected,
		Data:      map[string]any{"clientId": sub.ID(), "rooms": rooms},
		Timestamp: time.Now().UTC(),
	}
	client.log.Info("websocket client connected", logger.Any("rooms", rooms))

	var wg sync.WaitGroup
	wg.Go(client.writePump)
	client.readPump()
	wg.Wait()
	client.log.Info("websocket client disconnected")
	return nil
}

// wsClient is a middleman between the websocket connection and the hub
type wsClient struct {
	hub     *Hub
	sub     *Subscriber
	conn    *websocket.Conn
	control chan Message // replies generated by the read side, e.g. pong
	log     logger.Logger
}

// readPump reads control frames until the connection fails, then
// unsubscribes, which stops writePump.
func (c *wsClient) readPump() {
	defer c.hub.Unsubscribe(c.sub)

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error("failed to set read deadline", logger.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected websocket close", logger.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("ignoring malformed client frame", logger.Error(err))
			continue
		}
		if msg.Type == MessageTypePing {
			select {
			case c.control <- Message{Type: MessageTypePong, Timestamp: time.Now().UTC()}:
			default:
			}
		}
	}
}

// writePump forwards hub messages to the connection and keeps it alive
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sub.Messages():
			if !ok {
				// the hub closed the channel
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.write(msg); err != nil {
				c.log.Debug("websocket write failed", logger.Error(err))
				return
			}

		case msg := <-c.control:
			if err := c.write(msg); err != nil {
				c.log.Debug("websocket write failed", logger.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
