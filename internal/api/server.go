package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/birdhub/birdhub/internal/api/middleware"
	v2 "github.com/birdhub/birdhub/internal/api/v2"
	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// Server is the HTTP server for birdhub.
// It manages the Echo instance, the middleware stack and the API routes.
type Server struct {
	echo       *echo.Echo
	config     *Config
	controller *v2.Controller
	metrics    *observability.Metrics
	log        logger.Logger

	// controller options collected before routes are registered
	apiOptions []v2.Option
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics enables HTTP metrics and, when configured, the /metrics route.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAPIOptions passes options through to the v2 controller.
func WithAPIOptions(opts ...v2.Option) ServerOption {
	return func(s *Server) {
		s.apiOptions = append(s.apiOptions, opts...)
	}
}

// New creates the HTTP server with the given settings and options.
func New(settings *conf.Settings, store v2.Store, opts ...ServerOption) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{config: config}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("api")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes(store)

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Listen),
		logger.Float64("rate_limit", config.RateLimit),
		logger.Bool("metrics_route", config.ServeMetrics && s.metrics != nil))
	return s, nil
}

// httpMetrics returns the HTTP collectors or nil when metrics are off
func (s *Server) httpMetrics() *metrics.HTTPMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.HTTP
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())

	s.echo.Use(mw.NewRequestLogger(s.log.Module("http")))

	securityConfig := mw.DefaultSecurityConfig()
	securityConfig.AllowedOrigins = s.config.AllowedOrigins

	s.echo.Use(mw.NewCORS(securityConfig))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders(securityConfig))
	s.echo.Use(mw.NewRateLimiter(s.config.RateLimit, s.config.RateBurst, s.httpMetrics()))
	s.echo.Use(mw.NewMetrics(s.httpMetrics()))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(store v2.Store) {
	if s.config.ServeMetrics && s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	opts := append([]v2.Option{v2.WithMetrics(s.httpMetrics())}, s.apiOptions...)
	s.controller = v2.New(s.echo, store, s.log, opts...)
}

// Run serves until ctx is cancelled and then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("address", s.config.Listen).
			Build()
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.echo.Listener = l

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server starting", logger.String("address", l.Addr().String()))
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server, waiting up to the configured timeout
// for in-flight requests.
func (s *Server) Shutdown() error {
	s.log.Info("shutting down HTTP server", logger.Duration("timeout", s.config.ShutdownTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("HTTP server shutdown error", logger.Error(err))
		return errors.New(err).
			Component("api").
			Category(errors.CategoryTimeout).
			Build()
	}
	s.log.Info("HTTP server shutdown complete", logger.Duration("elapsed", time.Since(start)))
	return nil
}

// Controller returns the v2 API controller.
func (s *Server) Controller() *v2.Controller {
	return s.controller
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
