package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
)

const handlerMedia = "media"

// initSpeciesRoutes registers species media endpoints
func (c *Controller) initSpeciesRoutes() {
	if c.media == nil {
		return
	}
	c.Group.GET("/species/:code/media", c.GetSpeciesMedia)
	c.Group.POST("/species/:code/media/refresh", c.RefreshSpeciesMedia, c.protected()...)
}

// GetSpeciesMedia handles GET /api/v2/species/:code/media
func (c *Controller) GetSpeciesMedia(ctx echo.Context) error {
	defer c.observe(ctx, handlerMedia, "get", time.Now())
	return c.respondMedia(ctx, c.media.GetMedia)
}

// RefreshSpeciesMedia handles POST /api/v2/species/:code/media/refresh.
// Only missing fields are fetched; populated fields are never replaced.
func (c *Controller) RefreshSpeciesMedia(ctx echo.Context) error {
	defer c.observe(ctx, handlerMedia, "refresh", time.Now())
	return c.respondMedia(ctx, c.media.RefreshMedia)
}

type mediaFunc func(ctx context.Context, code string) (*datastore.SpeciesMedia, error)

func (c *Controller) respondMedia(ctx echo.Context, resolve mediaFunc) error {
	code := strings.ToLower(strings.TrimSpace(ctx.Param("code")))
	if code == "" {
		return c.HandleError(ctx, newFieldError("code", "is required", ""), "Invalid species code")
	}

	media, err := resolve(ctx.Request().Context(), code)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to resolve species media")
	}
	if media == nil {
		notFound := errors.Newf("no media for species %s", code).
			Component("api").
			Category(errors.CategoryNotFound).
			Context("species_code", code).
			Build()
		return c.HandleError(ctx, notFound, "Species media not found")
	}
	return ctx.JSON(http.StatusOK, media)
}
