// Package datastore provides error handling helpers for database operations
package datastore

import (
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/birdhub/birdhub/internal/errors"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

// Sentinel errors
var (
	ErrDetectionNotFound = errors.NewStd("detection not found")
	ErrStationNotFound   = errors.NewStd("station not found")
	ErrMediaNotFound     = errors.NewStd("species media not found")
	ErrSpeciesNotFound   = errors.NewStd("species not found")
	ErrProtected         = errors.NewStd("detection is protected")
)

// dbError creates a properly categorized database error with context
func dbError(err error, operation, priority string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

// validationError creates a validation error
func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}

// notFoundError wraps a sentinel so callers can match both the sentinel and the category
func notFoundError(sentinel error, resource string, id any) error {
	return errors.New(sentinel).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("resource", resource).
		Context("id", fmt.Sprintf("%v", id)).
		Build()
}

// conflictError reports a state conflict such as deleting a protected row
func conflictError(err error, operation string, id any) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryConflict).
		Context("operation", operation).
		Context("id", fmt.Sprintf("%v", id)).
		Build()
}

// isUniqueViolation recognises duplicate key errors from both drivers
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	return false
}
