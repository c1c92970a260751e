package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/birdhub/birdhub/internal/query"
)

const handlerAnalytics = "analytics"

// initAnalyticsRoutes registers the aggregation endpoints. They accept the
// same filter parameters as detection search.
func (c *Controller) initAnalyticsRoutes() {
	if c.analytics == nil {
		return
	}
	analyticsGroup := c.Group.Group("/stations/:id/analytics")
	analyticsGroup.GET("/hourly", c.GetHourlyTrend)
	analyticsGroup.GET("/daily", c.GetDailyTotals)
	analyticsGroup.GET("/delta", c.GetDelta)
}

// GetHourlyTrend handles GET /api/v2/stations/:id/analytics/hourly
func (c *Controller) GetHourlyTrend(ctx echo.Context) error {
	defer c.observe(ctx, handlerAnalytics, "hourly", time.Now())

	filter, err := query.ParseFilter(ctx.QueryParams())
	if err != nil {
		return c.HandleError(ctx, err, "Invalid analytics parameters")
	}
	buckets, err := c.analytics.HourlyTrend(ctx.Request().Context(), ctx.Param("id"), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to compute hourly trend")
	}
	return ctx.JSON(http.StatusOK, buckets)
}

// GetDailyTotals handles GET /api/v2/stations/:id/analytics/daily
func (c *Controller) GetDailyTotals(ctx echo.Context) error {
	defer c.observe(ctx, handlerAnalytics, "daily", time.Now())

	filter, err := query.ParseFilter(ctx.QueryParams())
	if err != nil {
		return c.HandleError(ctx, err, "Invalid analytics parameters")
	}
	totals, err := c.analytics.DailyTotals(ctx.Request().Context(), ctx.Param("id"), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to compute daily totals")
	}
	return ctx.JSON(http.StatusOK, totals)
}

// GetDelta handles GET /api/v2/stations/:id/analytics/delta
func (c *Controller) GetDelta(ctx echo.Context) error {
	defer c.observe(ctx, handlerAnalytics, "delta", time.Now())

	filter, err := query.ParseFilter(ctx.QueryParams())
	if err != nil {
		return c.HandleError(ctx, err, "Invalid analytics parameters")
	}
	report, err := c.analytics.Delta(ctx.Request().Context(), ctx.Param("id"), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to compute delta")
	}
	return ctx.JSON(http.StatusOK, report)
}
