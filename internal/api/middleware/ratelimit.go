package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// DefaultLimiterIdle is how long an idle client's limiter is kept
const DefaultLimiterIdle = 3 * time.Minute

// RateLimiterStore keeps one token bucket per client in an expiring cache.
// It implements echo's middleware.RateLimiterStore.
type RateLimiterStore struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *cache.Cache
}

// NewRateLimiterStore creates a store allowing perSecond requests with the
// given burst. A burst below one becomes the ceiling of perSecond.
func NewRateLimiterStore(perSecond float64, burst int, idle time.Duration) *RateLimiterStore {
	if burst < 1 {
		burst = max(int(perSecond+0.999), 1)
	}
	if idle <= 0 {
		idle = DefaultLimiterIdle
	}
	return &RateLimiterStore{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: cache.New(idle, 2*idle),
	}
}

// Allow takes one token from the identifier's bucket
func (s *RateLimiterStore) Allow(identifier string) (bool, error) {
	s.mu.Lock()
	var limiter *rate.Limiter
	if v, ok := s.limiters.Get(identifier); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(s.limit, s.burst)
	}
	// touching the entry keeps active clients from expiring
	s.limiters.SetDefault(identifier, limiter)
	s.mu.Unlock()

	return limiter.Allow(), nil
}

// NewRateLimiter limits requests per client IP. Rejected requests get 429
// and are counted. A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int, m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	if perSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	store := NewRateLimiterStore(perSecond, burst, DefaultLimiterIdle)

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "client could not be identified"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			m.RecordRateLimited(c.Path())
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	})
}
