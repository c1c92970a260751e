package realtime

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/logger"
)

// DefaultHeartbeat is the SSE keep-alive interval
const DefaultHeartbeat = 30 * time.Second

// sseWriteTimeout bounds a single event write to a slow client
const sseWriteTimeout = 10 * time.Second

// SSEHandler streams hub messages as server-sent events
type SSEHandler struct {
	hub       *Hub
	heartbeat time.Duration
	log       logger.Logger
}

// NewSSEHandler creates a handler. A non-positive heartbeat uses DefaultHeartbeat.
func NewSSEHandler(hub *Hub, heartbeat time.Duration, log logger.Logger) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if log == nil {
		log = logger.Global().Module("realtime")
	}
	return &SSEHandler{hub: hub, heartbeat: heartbeat, log: log}
}

// Stream handles GET /stream?station=<id>&user=<id>
func (h *SSEHandler) Stream(c echo.Context) error {
	rooms, err := RoomsFromQuery(c.QueryParam("station"), c.QueryParam("user"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sub, err := h.hub.Subscribe(TransportSSE, rooms...)
	if err != nil {
		return subscribeError(err)
	}
	defer h.hub.Unsubscribe(sub)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	log := h.log.With(
		logger.Uint64("subscriber_id", sub.ID()),
		logger.String("ip", c.RealIP()))

	if err := h.send(c, Message{
		Type:      MessageTypeConnected,
		Data:      map[string]any{"clientId": sub.ID(), "rooms": rooms},
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil
	}
	log.Info("SSE client connected", logger.Any("rooms", rooms))
	defer log.Info("SSE client disconnected")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				// dropped by the hub
				return nil
			}
			if err := h.send(c, msg); err != nil {
				log.Debug("SSE write failed, client likely gone", logger.Error(err))
				return nil
			}

		case <-ticker.C:
			if err := h.send(c, Message{
				Type:      MessageTypeHeartbeat,
				Data:      map[string]any{"clients": h.hub.ClientCount()},
				Timestamp: time.Now().UTC(),
			}); err != nil {
				log.Debug("SSE heartbeat failed, client likely gone", logger.Error(err))
				return nil
			}

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// send writes one event frame and flushes it
func (h *SSEHandler) send(c echo.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE data: %w", err)
	}

	rc := http.NewResponseController(c.Response().Writer)
	// not every writer supports deadlines
	_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))

	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return fmt.Errorf("failed to write SSE message: %w", err)
	}
	c.Response().Flush()
	return nil
}

// RoomsFromQuery maps the station and user query parameters to rooms.
// Without a station the client joins the global room. The user id is taken
// as given; the API puts its auth middleware in front of such requests.
func RoomsFromQuery(station, user string) ([]string, error) {
	rooms := make([]string, 0, 2)
	if station != "" {
		rooms = append(rooms, fanout.StationRoom(station))
	} else {
		rooms = append(rooms, fanout.RoomGlobal)
	}
	if user != "" {
		id, err := strconv.ParseUint(user, 10, 64)
		if err != nil || id == 0 {
			return nil, errors.Newf("invalid user id %q", user).
				Component("realtime").
				Category(errors.CategoryValidation).
				Build()
		}
		rooms = append(rooms, fanout.UserRoom(id))
	}
	return rooms, nil
}

// subscribeError maps hub admission failures to HTTP errors
func subscribeError(err error) error {
	if errors.Is(err, ErrTooManyClients) || errors.Is(err, ErrHubClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
