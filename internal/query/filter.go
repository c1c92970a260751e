// Package query turns search and aggregation parameters into parameterized SQL
// fragments over the detections table. Every value is bound as a parameter;
// identifiers only ever come from fixed allow-lists.
package query

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
)

// AllSpecies is the species selector value meaning "no species filter"
const AllSpecies = "All Species"

// FilterSpecification is a normalized set of search and aggregation parameters.
// Nil or empty fields do not constrain the query.
type FilterSpecification struct {
	SingleDate         *time.Time
	StartDate          *time.Time
	EndDate            *time.Time
	SpeciesName        string
	SpeciesCode        string
	MinConfidence      *float64 // 0.0-1.0
	MaxConfidence      *float64 // 0.0-1.0
	VerificationStatus string
	ProtectedAudio     *bool
	SortBy             string
	SortOrder          string
	Limit              int
	Offset             int
}

const dateOnlyLayout = "2006-01-02"

// ParseFilter reads the external query parameters. Confidence values arrive as
// 0-100 integers and are normalized to 0.0-1.0; empty or non-numeric values are
// skipped. Sort and pagination input never fails. Malformed dates, statuses and
// booleans, and violated range invariants return a validation error.
func ParseFilter(values url.Values) (FilterSpecification, error) {
	var f FilterSpecification
	var errs []string

	if v := strings.TrimSpace(values.Get("singleDate")); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			errs = append(errs, "singleDate: "+err.Error())
		} else {
			day := startOfDay(t)
			f.SingleDate = &day
		}
	}
	if v := strings.TrimSpace(values.Get("startDate")); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			errs = append(errs, "startDate: "+err.Error())
		} else {
			f.StartDate = &t
		}
	}
	if v := strings.TrimSpace(values.Get("endDate")); v != "" {
		t, dateOnly, err := parseDate(v)
		if err != nil {
			errs = append(errs, "endDate: "+err.Error())
		} else {
			if dateOnly {
				// a bare end date includes that whole day
				t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
			}
			f.EndDate = &t
		}
	}

	f.SpeciesName = strings.TrimSpace(values.Get("speciesName"))
	f.SpeciesCode = strings.TrimSpace(values.Get("speciesCode"))
	f.MinConfidence = parseConfidence(values.Get("minConfidence"))
	f.MaxConfidence = parseConfidence(values.Get("maxConfidence"))

	if v := strings.TrimSpace(values.Get("verificationStatus")); v != "" {
		status := datastore.VerificationStatus(strings.ToLower(v))
		if !status.Valid() {
			errs = append(errs, "verificationStatus: unknown status "+strconv.Quote(v))
		} else {
			f.VerificationStatus = string(status)
		}
	}
	if v := strings.TrimSpace(values.Get("protectedAudio")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, "protectedAudio: not a boolean")
		} else {
			f.ProtectedAudio = &b
		}
	}

	f.SortBy = values.Get("sortBy")
	f.SortOrder = values.Get("sortOrder")
	f.Limit, _ = strconv.Atoi(values.Get("limit"))
	f.Offset, _ = strconv.Atoi(values.Get("offset"))

	if len(errs) > 0 {
		return f, errors.Newf("invalid filter: %s", strings.Join(errs, "; ")).
			Component("query").
			Category(errors.CategoryValidation).
			Context("fields", errs).
			Build()
	}
	return f, f.Validate()
}

// Validate checks the range invariants
func (f *FilterSpecification) Validate() error {
	if f.MinConfidence != nil && f.MaxConfidence != nil && *f.MinConfidence > *f.MaxConfidence {
		return errors.Newf("minConfidence must not exceed maxConfidence").
			Component("query").
			Category(errors.CategoryValidation).
			Context("min_confidence", *f.MinConfidence).
			Context("max_confidence", *f.MaxConfidence).
			Build()
	}
	if f.StartDate != nil && f.EndDate != nil && f.StartDate.After(*f.EndDate) {
		return errors.Newf("startDate must not be after endDate").
			Component("query").
			Category(errors.CategoryValidation).
			Context("start_date", f.StartDate.Format(time.RFC3339)).
			Context("end_date", f.EndDate.Format(time.RFC3339)).
			Build()
	}
	return nil
}

// WithWindow returns a copy of f restricted to [start, end] and with any
// single-day selector removed.
func (f FilterSpecification) WithWindow(start, end time.Time) FilterSpecification {
	start, end = start.UTC(), end.UTC()
	f.SingleDate = nil
	f.StartDate = &start
	f.EndDate = &end
	return f
}

// parseDate accepts RFC3339 timestamps and bare dates. Bare dates are UTC midnight.
func parseDate(v string) (t time.Time, dateOnly bool, err error) {
	if t, err = time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), false, nil
	}
	if t, err = time.Parse(dateOnlyLayout, v); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, errors.NewStd("expected RFC3339 timestamp or YYYY-MM-DD date")
}

// parseConfidence converts a 0-100 percentage string; invalid input yields nil
func parseConfidence(v string) *float64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	pct, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(pct) || math.IsInf(pct, 0) {
		return nil
	}
	c := pct / 100
	return &c
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
