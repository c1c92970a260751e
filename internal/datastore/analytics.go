package datastore

import (
	"context"

	"gorm.io/gorm"
)

// HourCount is the number of detections in one hour of day (UTC)
type HourCount struct {
	Hour  int
	Count int64
}

// DailySpeciesCount is the number of detections of one species on one day
type DailySpeciesCount struct {
	Date       string
	CommonName string
	Count      int64
}

// Summary aggregates a window of detections for delta reports
type Summary struct {
	TotalDetections int64
	TotalSpecies    int64
	AvgConfidence   float64
	TopSpecies      string
}

// hourExpr extracts the hour of day from detection_timestamp
func (ds *DataStore) hourExpr() string {
	if ds.dialect() == "mysql" {
		return "HOUR(detection_timestamp)"
	}
	return "CAST(strftime('%H', detection_timestamp) AS INTEGER)"
}

// dateExpr truncates detection_timestamp to a YYYY-MM-DD day
func (ds *DataStore) dateExpr() string {
	if ds.dialect() == "mysql" {
		return "DATE_FORMAT(detection_timestamp, '%Y-%m-%d')"
	}
	return "DATE(detection_timestamp)"
}

// filtered applies a predicate to the detections table
func (ds *DataStore) filtered(ctx context.Context, where Predicate) *gorm.DB {
	q := ds.DB.WithContext(ctx).Model(&Detection{})
	if where.SQL != "" {
		q = q.Where(where.SQL, where.Params...)
	}
	return q
}

// CountByHour returns per-hour detection counts. Hours without detections are omitted.
func (ds *DataStore) CountByHour(ctx context.Context, where Predicate) ([]HourCount, error) {
	var rows []HourCount
	expr := ds.hourExpr()
	err := ds.filtered(ctx, where).
		Select(expr + " AS hour, COUNT(*) AS count").
		Group(expr).
		Order("hour").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "count_by_hour", "")
	}
	return rows, nil
}

// CountDistinctDays returns the number of calendar days with at least one detection
func (ds *DataStore) CountDistinctDays(ctx context.Context, where Predicate) (int64, error) {
	var days int64
	err := ds.filtered(ctx, where).
		Select("COUNT(DISTINCT " + ds.dateExpr() + ")").
		Scan(&days).Error
	if err != nil {
		return 0, dbError(err, "count_distinct_days", "")
	}
	return days, nil
}

// DailySpeciesCounts returns per-day, per-species counts ordered by date asc then count desc
func (ds *DataStore) DailySpeciesCounts(ctx context.Context, where Predicate) ([]DailySpeciesCount, error) {
	var rows []DailySpeciesCount
	expr := ds.dateExpr()
	err := ds.filtered(ctx, where).
		Select(expr + " AS date, common_name, COUNT(*) AS count").
		Group(expr + ", common_name").
		Order("date ASC").Order("count DESC").Order("common_name ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "daily_species_counts", "")
	}
	return rows, nil
}

// PeriodSummary returns totals, average confidence and the most detected species.
// TopSpecies is empty when the window has no detections.
func (ds *DataStore) PeriodSummary(ctx context.Context, where Predicate) (*Summary, error) {
	var totals struct {
		TotalDetections int64
		TotalSpecies    int64
		AvgConfidence   *float64
	}
	err := ds.filtered(ctx, where).
		Select("COUNT(*) AS total_detections, COUNT(DISTINCT common_name) AS total_species, AVG(confidence) AS avg_confidence").
		Scan(&totals).Error
	if err != nil {
		return nil, dbError(err, "period_summary", "")
	}

	summary := &Summary{
		TotalDetections: totals.TotalDetections,
		TotalSpecies:    totals.TotalSpecies,
	}
	if totals.AvgConfidence != nil {
		summary.AvgConfidence = *totals.AvgConfidence
	}
	if summary.TotalDetections == 0 {
		return summary, nil
	}

	var top struct {
		CommonName string
		Count      int64
	}
	err = ds.filtered(ctx, where).
		Select("common_name, COUNT(*) AS count").
		Group("common_name").
		Order("count DESC").Order("common_name ASC").
		Limit(1).
		Scan(&top).Error
	if err != nil {
		return nil, dbError(err, "period_summary_top", "")
	}
	summary.TopSpecies = top.CommonName
	return summary, nil
}
