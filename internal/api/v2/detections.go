package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/ingest"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/query"
)

const handlerDetections = "detections"

// initDetectionRoutes registers detection endpoints
func (c *Controller) initDetectionRoutes() {
	// Read endpoints - publicly accessible
	c.Group.GET("/stations/:id/detections", c.SearchDetections)
	c.Group.GET("/detections/:id", c.GetDetection)

	// Station ingestion and detection management
	if c.ingester != nil {
		c.Group.POST("/stations/:id/detections", c.IngestDetection, c.protected()...)
	}
	detectionGroup := c.Group.Group("/detections", c.protected()...)
	detectionGroup.PATCH("/:id/verification", c.UpdateVerification)
	detectionGroup.PATCH("/:id/protect", c.ProtectDetection)
	detectionGroup.DELETE("/:id", c.DeleteDetection)
}

// SearchResponse is a page of detections
type SearchResponse struct {
	Data   []datastore.Detection `json:"data"`
	Total  int64                 `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// VerificationRequest is the body of PATCH /detections/:id/verification
type VerificationRequest struct {
	Status                  string  `json:"status"`
	CorrectedCommonName     string  `json:"corrected_common_name,omitempty"`
	CorrectedScientificName string  `json:"corrected_scientific_name,omitempty"`
	CorrectedSpeciesCode    *string `json:"corrected_species_code,omitempty"`
}

// ProtectRequest is the body of PATCH /detections/:id/protect
type ProtectRequest struct {
	Protected *bool `json:"protected"`
}

// IngestDetection handles POST /api/v2/stations/:id/detections
func (c *Controller) IngestDetection(ctx echo.Context) error {
	defer c.observe(ctx, handlerDetections, "ingest", time.Now())

	stationID := strings.TrimSpace(ctx.Param("id"))
	var payload ingest.Payload
	if err := ctx.Bind(&payload); err != nil {
		return c.HandleError(ctx, newFieldError("body", "must be a JSON detection payload", ""), "Invalid request body")
	}

	detection, err := c.ingester.Ingest(ctx.Request().Context(), stationID, payload)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to ingest detection")
	}
	return ctx.JSON(http.StatusCreated, detection)
}

// SearchDetections handles GET /api/v2/stations/:id/detections
func (c *Controller) SearchDetections(ctx echo.Context) error {
	defer c.observe(ctx, handlerDetections, "search", time.Now())

	filter, err := query.ParseFilter(ctx.QueryParams())
	if err != nil {
		return c.HandleError(ctx, err, "Invalid search parameters")
	}

	q := query.SearchQuery(ctx.Param("id"), filter)
	detections, total, err := c.DS.SearchDetections(ctx.Request().Context(), q)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to search detections")
	}
	if detections == nil {
		detections = []datastore.Detection{}
	}

	return ctx.JSON(http.StatusOK, SearchResponse{
		Data:   detections,
		Total:  total,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
}

// GetDetection handles GET /api/v2/detections/:id. Cached species media is
// attached when available; the read path never fetches remotely.
func (c *Controller) GetDetection(ctx echo.Context) error {
	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid detection ID")
	}

	reqCtx := ctx.Request().Context()
	detection, err := c.DS.GetDetection(reqCtx, id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get detection")
	}

	if detection.SpeciesCode != nil {
		media, err := c.DS.GetSpeciesMedia(reqCtx, *detection.SpeciesCode)
		switch {
		case err == nil:
			detection.Media = media
		case !errors.IsNotFound(err):
			c.log.Warn("failed to load species media",
				logger.Uint64("detection_id", id),
				logger.String("species_code", *detection.SpeciesCode),
				logger.Error(err))
		}
	}
	return ctx.JSON(http.StatusOK, detection)
}

// UpdateVerification handles PATCH /api/v2/detections/:id/verification
func (c *Controller) UpdateVerification(ctx echo.Context) error {
	defer c.observe(ctx, handlerDetections, "verify", time.Now())

	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid detection ID")
	}
	var req VerificationRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, newFieldError("body", "must be a JSON object", ""), "Invalid request body")
	}

	status := datastore.VerificationStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		return c.HandleError(ctx, newFieldError("status", "must be one of unverified, verified, reclassified, non_event", req.Status),
			"Invalid verification status")
	}

	detection, err := c.DS.UpdateVerification(ctx.Request().Context(), id, datastore.VerificationUpdate{
		Status:                  status,
		CorrectedCommonName:     strings.TrimSpace(req.CorrectedCommonName),
		CorrectedScientificName: strings.TrimSpace(req.CorrectedScientificName),
		CorrectedSpeciesCode:    req.CorrectedSpeciesCode,
	})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to update verification")
	}

	c.log.Info("detection verification updated",
		logger.Uint64("detection_id", id),
		logger.String("status", string(status)))
	return ctx.JSON(http.StatusOK, detection)
}

// ProtectDetection handles PATCH /api/v2/detections/:id/protect
func (c *Controller) ProtectDetection(ctx echo.Context) error {
	defer c.observe(ctx, handlerDetections, "protect", time.Now())

	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid detection ID")
	}
	var req ProtectRequest
	if err := ctx.Bind(&req); err != nil || req.Protected == nil {
		return c.HandleError(ctx, newFieldError("protected", "is required", ""), "Invalid request body")
	}

	if err := c.DS.SetProtected(ctx.Request().Context(), id, *req.Protected); err != nil {
		return c.HandleError(ctx, err, "Failed to update protection")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"id":        id,
		"protected": *req.Protected,
	})
}

// DeleteDetection handles DELETE /api/v2/detections/:id. Protected
// detections are refused with 409.
func (c *Controller) DeleteDetection(ctx echo.Context) error {
	defer c.observe(ctx, handlerDetections, "delete", time.Now())

	id, err := parseID(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid detection ID")
	}
	if err := c.DS.DeleteDetection(ctx.Request().Context(), id); err != nil {
		return c.HandleError(ctx, err, "Failed to delete detection")
	}

	c.log.Info("detection deleted", logger.Uint64("detection_id", id))
	return ctx.NoContent(http.StatusNoContent)
}
