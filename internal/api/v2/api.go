// Package api implements the JSON API under /api/v2: detection ingestion and
// search, verification, species media, analytics and the realtime streams.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/birdhub/birdhub/internal/analytics"
	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/ingest"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
	"github.com/birdhub/birdhub/internal/query"
)

// Prefix is the mount point of the API
const Prefix = "/api/v2"

// healthTimeout bounds the database ping of the health check
const healthTimeout = 2 * time.Second

// Store is the storage the read and maintenance endpoints use
type Store interface {
	Ping(ctx context.Context) error
	GetDetection(ctx context.Context, id uint64) (*datastore.Detection, error)
	SearchDetections(ctx context.Context, q datastore.DetectionQuery) ([]datastore.Detection, int64, error)
	UpdateVerification(ctx context.Context, id uint64, update datastore.VerificationUpdate) (*datastore.Detection, error)
	SetProtected(ctx context.Context, id uint64, protected bool) error
	DeleteDetection(ctx context.Context, id uint64) error
	GetSpeciesMedia(ctx context.Context, code string) (*datastore.SpeciesMedia, error)
}

// Ingester stores detections reported by stations
type Ingester interface {
	Ingest(ctx context.Context, stationID string, p ingest.Payload) (*datastore.Detection, error)
}

// MediaService resolves species media
type MediaService interface {
	GetMedia(ctx context.Context, code string) (*datastore.SpeciesMedia, error)
	RefreshMedia(ctx context.Context, code string) (*datastore.SpeciesMedia, error)
}

// Aggregator computes the analytics views
type Aggregator interface {
	HourlyTrend(ctx context.Context, stationID string, f query.FilterSpecification) ([]analytics.HourlyBucket, error)
	DailyTotals(ctx context.Context, stationID string, f query.FilterSpecification) ([]analytics.DailyTotal, error)
	Delta(ctx context.Context, stationID string, f query.FilterSpecification) (*analytics.DeltaReport, error)
}

// Controller manages the API routes and handlers
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group
	DS    Store

	ingester  Ingester
	media     MediaService
	analytics Aggregator

	sseHandler echo.HandlerFunc
	wsHandler  echo.HandlerFunc

	authMiddleware echo.MiddlewareFunc
	metrics        *metrics.HTTPMetrics
	log            logger.Logger
	startTime      time.Time
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithIngester enables POST /stations/:id/detections
func WithIngester(i Ingester) Option {
	return func(c *Controller) { c.ingester = i }
}

// WithMediaService enables the species media endpoints
func WithMediaService(m MediaService) Option {
	return func(c *Controller) { c.media = m }
}

// WithAggregator enables the analytics endpoints
func WithAggregator(a Aggregator) Option {
	return func(c *Controller) { c.analytics = a }
}

// WithStreams registers the SSE and WebSocket handlers. Either may be nil.
func WithStreams(sse, ws echo.HandlerFunc) Option {
	return func(c *Controller) {
		c.sseHandler = sse
		c.wsHandler = ws
	}
}

// WithAuthMiddleware protects the write endpoints and streams that join a
// user room. Request authentication itself lives outside this package.
func WithAuthMiddleware(mw echo.MiddlewareFunc) Option {
	return func(c *Controller) { c.authMiddleware = mw }
}

// WithMetrics records handler operations and error categories
func WithMetrics(m *metrics.HTTPMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates the controller and registers its routes on e under Prefix.
func New(e *echo.Echo, store Store, log logger.Logger, opts ...Option) *Controller {
	if log == nil {
		log = logger.Global().Module("api")
	}
	c := &Controller{
		Echo:      e,
		Group:     e.Group(Prefix),
		DS:        store,
		log:       log,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.initRoutes()
	return c
}

// initRoutes registers all API endpoints
func (c *Controller) initRoutes() {
	// Health check endpoint - publicly accessible
	c.Group.GET("/health", c.HealthCheck)

	routeInitializers := []struct {
		name string
		fn   func()
	}{
		{"detection routes", c.initDetectionRoutes},
		{"species routes", c.initSpeciesRoutes},
		{"analytics routes", c.initAnalyticsRoutes},
		{"stream routes", c.initStreamRoutes},
	}
	for _, initializer := range routeInitializers {
		initializer.fn()
		c.log.Debug("routes initialized", logger.String("group", initializer.name))
	}
}

// protected returns the middleware chain for write routes
func (c *Controller) protected() []echo.MiddlewareFunc {
	if c.authMiddleware == nil {
		return nil
	}
	return []echo.MiddlewareFunc{c.authMiddleware}
}

// HealthCheck handles GET /api/v2/health
func (c *Controller) HealthCheck(ctx echo.Context) error {
	uptime := time.Since(c.startTime)
	response := map[string]any{
		"status":          "healthy",
		"database_status": "connected",
		"uptime":          uptime.String(),
		"uptime_seconds":  uptime.Seconds(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	pingCtx, cancel := context.WithTimeout(ctx.Request().Context(), healthTimeout)
	defer cancel()
	if err := c.DS.Ping(pingCtx); err != nil {
		c.log.Warn("health check database ping failed", logger.Error(err))
		response["status"] = "degraded"
		response["database_status"] = "disconnected"
		return ctx.JSON(http.StatusServiceUnavailable, response)
	}
	return ctx.JSON(http.StatusOK, response)
}

// observe records a handler operation; any 4xx or 5xx response counts as an error
func (c *Controller) observe(ctx echo.Context, handler, operation string, start time.Time) {
	status := metrics.StatusSuccess
	if ctx.Response().Status >= http.StatusBadRequest {
		status = metrics.StatusError
	}
	c.metrics.RecordHandlerOperation(handler, operation, status, time.Since(start))
}

// parseID reads a positive numeric path parameter
func parseID(ctx echo.Context, name string) (uint64, error) {
	raw := ctx.Param(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, newFieldError(name, "must be a positive integer", raw)
	}
	return id, nil
}
