// Package api provides the HTTP server infrastructure for birdhub.
// The server owns the middleware stack and lifecycle; the JSON endpoints
// live in the v2 subpackage.
package api

import (
	"time"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/errors"
)

// Default constants for the HTTP server.
const (
	DefaultListen          = ":8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBodyLimit       = "1M"
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen         string
	AllowedOrigins []string

	// Per-client rate limiting, zero disables
	RateLimit float64
	RateBurst int

	// Write timeout stays zero so SSE and WebSocket streams are not cut off.
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BodyLimit string

	// ServeMetrics mounts /metrics on this server
	ServeMetrics bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          DefaultListen,
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     DefaultReadTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyLimit:       DefaultBodyLimit,
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	if settings.Server.Listen != "" {
		cfg.Listen = settings.Server.Listen
	}
	if len(settings.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = settings.Server.AllowedOrigins
	}
	cfg.RateLimit = settings.Server.RateLimit
	cfg.RateBurst = settings.Server.RateBurst
	if settings.Server.ShutdownGrace > 0 {
		cfg.ShutdownTimeout = settings.Server.ShutdownGrace
	}
	cfg.ServeMetrics = settings.Metrics.Enabled && settings.Metrics.Listen == ""
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return configError("listen address is required", "listen", c.Listen)
	case c.RateLimit < 0:
		return configError("rate limit must not be negative", "rate_limit", c.RateLimit)
	case c.ReadTimeout <= 0:
		return configError("read timeout must be positive", "read_timeout", c.ReadTimeout.String())
	case c.ShutdownTimeout <= 0:
		return configError("shutdown timeout must be positive", "shutdown_timeout", c.ShutdownTimeout.String())
	}
	return nil
}

func configError(message, key string, value any) error {
	return errors.Newf("invalid server configuration: %s", message).
		Component("api").
		Category(errors.CategoryConfiguration).
		Context(key, value).
		Build()
}
