package query

import (
	"strings"

	"github.com/birdhub/birdhub/internal/datastore"
)

// Pagination bounds
const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// DefaultSortColumn is used whenever sortBy is missing or not allow-listed
const DefaultSortColumn = "detection_timestamp"

// sortColumns is the allow-list of sortable columns. Values are SQL identifiers
// and are the only text from a request that ever reaches ORDER BY.
var sortColumns = map[string]string{
	"detection_timestamp": "detection_timestamp",
	"confidence":          "confidence",
	"common_name":         "common_name",
	"scientific_name":     "scientific_name",
}

// likeEscape is portable across sqlite and mysql, unlike backslash
const likeEscape = "!"

var likeReplacer = strings.NewReplacer(
	likeEscape, likeEscape+likeEscape,
	"%", likeEscape+"%",
	"_", likeEscape+"_",
)

// WhereBuilder collects AND-ed predicate fragments and their positional parameters.
//
//	wb := query.NewWhereBuilder()
//	wb.AddClause("station_id = ?", "st-1")
//	predicate, params := wb.Build()
type WhereBuilder struct {
	clauses []string
	params  []any
}

// NewWhereBuilder creates an empty builder
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{}
}

// AddClause appends a fragment. Values must be referenced with "?" and passed as params.
func (wb *WhereBuilder) AddClause(clause string, params ...any) *WhereBuilder {
	wb.clauses = append(wb.clauses, clause)
	wb.params = append(wb.params, params...)
	return wb
}

// Build joins the fragments with AND. An empty builder yields "1=1".
func (wb *WhereBuilder) Build() (string, []any) {
	if len(wb.clauses) == 0 {
		return "1=1", []any{}
	}
	params := make([]any, len(wb.params))
	copy(params, wb.params)
	return strings.Join(wb.clauses, " AND "), params
}

// BuildWhere translates a filter into a predicate over the detections table.
// stationID scopes the predicate when non-empty.
func BuildWhere(stationID string, f FilterSpecification) (string, []any) {
	wb := NewWhereBuilder()

	if stationID != "" {
		wb.AddClause("station_id = ?", stationID)
	}

	if f.SingleDate != nil {
		day := startOfDay(*f.SingleDate)
		wb.AddClause("detection_timestamp >= ? AND detection_timestamp < ?", day, day.AddDate(0, 0, 1))
	}
	if f.StartDate != nil {
		wb.AddClause("detection_timestamp >= ?", f.StartDate.UTC())
	}
	if f.EndDate != nil {
		wb.AddClause("detection_timestamp <= ?", f.EndDate.UTC())
	}

	if name := strings.TrimSpace(f.SpeciesName); name != "" && !strings.EqualFold(name, AllSpecies) {
		pattern := "%" + likeReplacer.Replace(strings.ToLower(name)) + "%"
		wb.AddClause("(LOWER(common_name) LIKE ? ESCAPE '"+likeEscape+"' OR LOWER(scientific_name) LIKE ? ESCAPE '"+likeEscape+"')",
			pattern, pattern)
	}
	if f.SpeciesCode != "" {
		wb.AddClause("species_code = ?", f.SpeciesCode)
	}

	if f.MinConfidence != nil {
		wb.AddClause("confidence >= ?", *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		wb.AddClause("confidence <= ?", *f.MaxConfidence)
	}

	if f.VerificationStatus != "" {
		wb.AddClause("verification_status = ?", f.VerificationStatus)
	}
	if f.ProtectedAudio != nil {
		wb.AddClause("protected = ?", *f.ProtectedAudio)
	}

	return wb.Build()
}

// Predicate is BuildWhere packaged for the datastore
func Predicate(stationID string, f FilterSpecification) datastore.Predicate {
	sql, params := BuildWhere(stationID, f)
	return datastore.Predicate{SQL: sql, Params: params}
}

// BuildOrderBy returns an ORDER BY expression. Unknown columns fall back to the
// default column; the direction is ASC only for exactly "asc".
func BuildOrderBy(sortBy, sortOrder string) string {
	column, ok := sortColumns[sortBy]
	if !ok {
		column = DefaultSortColumn
	}
	direction := "DESC"
	if sortOrder == "asc" {
		direction = "ASC"
	}
	return column + " " + direction
}

// Pagination normalizes limit and offset
func Pagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// SearchQuery assembles the full detection search for a station
func SearchQuery(stationID string, f FilterSpecification) datastore.DetectionQuery {
	limit, offset := Pagination(f.Limit, f.Offset)
	return datastore.DetectionQuery{
		Where:   Predicate(stationID, f),
		OrderBy: BuildOrderBy(f.SortBy, f.SortOrder),
		Limit:   limit,
		Offset:  offset,
	}
}
