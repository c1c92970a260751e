package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/ingest"
	"github.com/birdhub/birdhub/internal/logger"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error         string            `json:"error"`
	Message       string            `json:"message"`
	Code          int               `json:"code"`
	Fields        map[string]string `json:"fields,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response. Server errors never
// expose their cause.
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	resp := &ErrorResponse{
		Error:         message,
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString(),
	}
	if err != nil && code < http.StatusInternalServerError {
		resp.Error = err.Error()
	}

	var ve *ingest.ValidationError
	if errors.As(err, &ve) {
		resp.Fields = ve.Fields
	}
	var fe *fieldError
	if errors.As(err, &fe) {
		resp.Fields = map[string]string{fe.field: fe.message}
	}
	return resp
}

// statusFor maps an error to an HTTP status
func statusFor(err error) int {
	var ve *ingest.ValidationError
	var pe *ingest.PersistenceError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		return http.StatusInternalServerError
	case errors.As(err, &he):
		return he.Code
	}

	switch errors.GetCategory(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	case errors.CategoryCancellation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes the error response for err. Server errors are logged
// with their correlation ID, client errors at debug level.
func (c *Controller) HandleError(ctx echo.Context, err error, message string) error {
	code := statusFor(err)
	resp := NewErrorResponse(err, message, code)

	req := ctx.Request()
	c.metrics.RecordHTTPRequestError(req.Method, ctx.Path(), string(errors.GetCategory(err)))

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("method", req.Method),
		logger.String("path", req.URL.Path),
		logger.Int("status", code),
		logger.String("ip", ctx.RealIP()),
		logger.Error(err),
	}
	log := c.log.WithContext(req.Context())
	if code >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Debug(message, fields...)
	}

	return ctx.JSON(code, resp)
}

// fieldError is a request error about a single parameter
type fieldError struct {
	field   string
	message string
	cause   error
}

func newFieldError(field, message string, value any) error {
	return &fieldError{
		field:   field,
		message: message,
		cause: errors.Newf("%s %s", field, message).
			Component("api").
			Category(errors.CategoryValidation).
			Context("field", field).
			Context("value", value).
			Build(),
	}
}

func (e *fieldError) Error() string { return e.field + " " + e.message }

func (e *fieldError) Unwrap() error { return e.cause }
