// Package httpclient builds the outbound HTTP clients used for the media and
// taxonomy APIs: pooled connections, a default deadline and a User-Agent.
package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/birdhub/birdhub/internal/logger"
)

const (
	// DefaultTimeout is applied to requests whose context has no deadline.
	DefaultTimeout = 30 * time.Second

	defaultMaxIdleConns          = 100
	defaultMaxIdleConnsPerHost   = 10
	defaultIdleConnTimeout       = 90 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultDialTimeout           = 30 * time.Second
	defaultDialKeepAlive         = 30 * time.Second

	defaultUserAgent = "birdhub"
)

// Config holds configuration for creating an HTTP client.
type Config struct {
	// DefaultTimeout is the timeout applied if request context has no deadline
	DefaultTimeout time.Duration

	// UserAgent is added to requests that don't set one
	UserAgent string

	MaxIdleConnsPerHost   int
	ResponseHeaderTimeout time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:        DefaultTimeout,
		UserAgent:             defaultUserAgent,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}

// New returns an http.Client with a tuned transport. The client has no
// overall Timeout so response bodies can be streamed; the deadline comes
// from the request context or DefaultTimeout.
func New(cfg Config, log logger.Logger) *http.Client {
	defaults := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = defaults.ResponseHeaderTimeout
	}
	if log == nil {
		log = logger.Global().Module("httpclient")
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: defaultDialKeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{
		Transport: &roundTripper{
			next:           transport,
			defaultTimeout: cfg.DefaultTimeout,
			userAgent:      cfg.UserAgent,
			log:            log,
		},
	}
}

// roundTripper injects the User-Agent and default deadline and logs each
// request at debug level.
type roundTripper struct {
	next           http.RoundTripper
	defaultTimeout time.Duration
	userAgent      string
	log            logger.Logger
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", rt.userAgent)
	}

	var cancel context.CancelFunc
	if _, ok := req.Context().Deadline(); !ok && rt.defaultTimeout > 0 {
		var ctx context.Context
		ctx, cancel = context.WithTimeout(req.Context(), rt.defaultTimeout)
		req = req.WithContext(ctx)
	}

	start := time.Now()
	resp, err := rt.next.RoundTrip(req)
	elapsed := time.Since(start)

	url := logger.RedactURL(req.URL.String())
	if err != nil {
		if cancel != nil {
			cancel()
		}
		rt.log.Debug("outbound request failed",
			logger.String("method", req.Method),
			logger.String("url", url),
			logger.Duration("elapsed", elapsed),
			logger.Error(err))
		return nil, err
	}
	rt.log.Debug("outbound request",
		logger.String("method", req.Method),
		logger.String("url", url),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", elapsed))

	if cancel != nil {
		// the deadline must outlive the body read
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
