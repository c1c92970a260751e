package ingest

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/birdhub/birdhub/internal/datastore"
)

// Payload is the detection report a station posts
type Payload struct {
	CommonName         string                        `json:"common_name" validate:"required,max=255"`
	ScientificName     string                        `json:"scientific_name" validate:"required,max=255"`
	Confidence         *float64                      `json:"confidence" validate:"required,gte=0,lte=1"`
	DetectionTimestamp string                        `json:"detection_timestamp,omitempty"`
	StationMetadata    *datastore.StationMetadata    `json:"station_metadata" validate:"required"`
	AudioMetadata      *datastore.AudioMetadata      `json:"audio_metadata" validate:"required"`
	ProcessingMetadata *datastore.ProcessingMetadata `json:"processing_metadata" validate:"required"`
	RecordingFileName  string                        `json:"recording_file_name" validate:"required,max=512"`
}

// timestampLayouts are tried in order; zone-less forms are read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts ISO8601 timestamps with or without a zone offset
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the shared validator. Field names in reports are the JSON names.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// fieldMessage renders one failed rule for the caller
func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// fieldPath turns "Payload.station_metadata.lat" into "station_metadata.lat"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
