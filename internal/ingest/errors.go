package ingest

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/birdhub/birdhub/internal/errors"
)

// ValidationError rejects a payload. Fields maps the JSON path of each
// offending field to a message. Nothing was persisted.
type ValidationError struct {
	Fields map[string]string
	cause  *errors.EnhancedError
}

func newValidationError(fields map[string]string) *ValidationError {
	ve := &ValidationError{Fields: fields}
	ve.cause = errors.Newf("%s", ve.message()).
		Component("ingest").
		Category(errors.CategoryValidation).
		Priority(errors.PriorityLow).
		Context("fields", strings.Join(slices.Sorted(maps.Keys(fields)), ",")).
		Build()
	return ve
}

func (e *ValidationError) message() string {
	keys := slices.Sorted(maps.Keys(e.Fields))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, e.Fields[k]))
	}
	return "invalid detection: " + strings.Join(parts, "; ")
}

// Error implements error
func (e *ValidationError) Error() string {
	return e.message()
}

// Unwrap exposes the categorized error
func (e *ValidationError) Unwrap() error {
	return e.cause
}

// PersistenceError reports a failed write. The detection and its audio
// file were rolled back together; Err carries the storage cause.
type PersistenceError struct {
	Err error
}

// Error implements error. The message stays generic; the cause is for logs.
func (e *PersistenceError) Error() string {
	return "failed to store detection"
}

// Unwrap returns the storage error
func (e *PersistenceError) Unwrap() error {
	return e.Err
}
