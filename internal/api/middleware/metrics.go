package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// NewMetrics records request counts and latency by route template, so
// /detections/1 and /detections/2 share one series. Unmatched routes are
// recorded as "unmatched".
func NewMetrics(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				// the error handler has not written yet
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
				m.RecordHTTPRequestError(c.Request().Method, path, string(errors.GetCategory(err)))
			}
			m.RecordHTTPRequest(c.Request().Method, path, status, time.Since(start))
			return err
		}
	}
}
