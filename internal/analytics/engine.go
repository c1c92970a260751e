// Package analytics computes trend buckets and period-over-period deltas over
// the same filter predicates used by detection search.
package analytics

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
	"github.com/birdhub/birdhub/internal/query"
)

// HoursPerDay is the number of buckets in an hourly trend
const HoursPerDay = 24

// DefaultWindow is the current period used when a delta request has no dates
const DefaultWindow = 7 * 24 * time.Hour

// Store is the subset of the datastore the engine aggregates over
type Store interface {
	CountByHour(ctx context.Context, where datastore.Predicate) ([]datastore.HourCount, error)
	CountDistinctDays(ctx context.Context, where datastore.Predicate) (int64, error)
	DailySpeciesCounts(ctx context.Context, where datastore.Predicate) ([]datastore.DailySpeciesCount, error)
	PeriodSummary(ctx context.Context, where datastore.Predicate) (*datastore.Summary, error)
}

// HourlyBucket is the average number of detections in one hour of day
type HourlyBucket struct {
	Hour              int     `json:"hour"`
	AverageDetections float64 `json:"average_detections"`
}

// DailyTotal is the number of detections of one species on one day
type DailyTotal struct {
	Date       string `json:"date"`
	CommonName string `json:"common_name"`
	Count      int64  `json:"count"`
}

// Change is a current value and its percentage change from the previous period
type Change struct {
	Current float64 `json:"current"`
	Delta   float64 `json:"delta"`
}

// TopSpeciesChange names the most detected species in both periods
type TopSpeciesChange struct {
	Current  string `json:"current"`
	Previous string `json:"previous"`
}

// Window is a time range. End is exclusive.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DeltaReport compares a window with the window of equal width before it
type DeltaReport struct {
	TotalDetections Change           `json:"total_detections"`
	TotalSpecies    Change           `json:"total_species"`
	Confidence      Change           `json:"confidence"`
	TopSpecies      TopSpeciesChange `json:"top_species"`
	CurrentWindow   Window           `json:"current_window"`
	PreviousWindow  Window           `json:"previous_window"`
}

// Engine runs aggregation queries
type Engine struct {
	store    Store
	recorder metrics.Recorder
	log      logger.Logger
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder records operation counts and durations
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock replaces time.Now, used to resolve the default delta window
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an aggregation engine
func NewEngine(store Store, log logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Global().Module("analytics")
	}
	e := &Engine{store: store, log: log, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HourlyTrend returns exactly 24 buckets ordered by hour. Each bucket holds the
// detections in that hour divided by the number of distinct days with data,
// with a minimum divisor of one. Hours without data are zero.
func (e *Engine) HourlyTrend(ctx context.Context, stationID string, f query.FilterSpecification) (buckets []HourlyBucket, err error) {
	defer e.observe(metrics.OpHourlyTrend, time.Now(), &err)

	where := query.Predicate(stationID, f)
	counts, err := e.store.CountByHour(ctx, where)
	if err != nil {
		return nil, err
	}
	days, err := e.store.CountDistinctDays(ctx, where)
	if err != nil {
		return nil, err
	}
	return fillHours(counts, days), nil
}

// fillHours zero-fills the grouped counts into 24 averaged buckets
func fillHours(counts []datastore.HourCount, days int64) []HourlyBucket {
	divisor := float64(max(days, 1))

	buckets := make([]HourlyBucket, HoursPerDay)
	for h := range buckets {
		buckets[h].Hour = h
	}
	for _, c := range counts {
		if c.Hour < 0 || c.Hour >= HoursPerDay {
			continue
		}
		buckets[c.Hour].AverageDetections = round2(float64(c.Count) / divisor)
	}
	return buckets
}

// DailyTotals returns per-day, per-species counts ordered by date ascending
// and count descending.
func (e *Engine) DailyTotals(ctx context.Context, stationID string, f query.FilterSpecification) (totals []DailyTotal, err error) {
	defer e.observe(metrics.OpDailyTotals, time.Now(), &err)

	rows, err := e.store.DailySpeciesCounts(ctx, query.Predicate(stationID, f))
	if err != nil {
		return nil, err
	}
	totals = make([]DailyTotal, 0, len(rows))
	for _, r := range rows {
		totals = append(totals, DailyTotal(r))
	}
	return totals, nil
}

// Delta compares the filter's window with the preceding window of equal width.
// Without dates the current window is the last seven days.
func (e *Engine) Delta(ctx context.Context, stationID string, f query.FilterSpecification) (report *DeltaReport, err error) {
	defer e.observe(metrics.OpDelta, time.Now(), &err)

	current := e.CurrentWindow(f)
	previous := PreviousWindow(current.Start, current.End)

	var cur, prev *datastore.Summary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cur, err = e.store.PeriodSummary(gctx, windowPredicate(stationID, f, current))
		return err
	})
	g.Go(func() error {
		var err error
		prev, err = e.store.PeriodSummary(gctx, windowPredicate(stationID, f, previous))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	curConfidence := cur.AvgConfidence * 100
	prevConfidence := prev.AvgConfidence * 100

	return &DeltaReport{
		TotalDetections: change(float64(cur.TotalDetections), float64(prev.TotalDetections)),
		TotalSpecies:    change(float64(cur.TotalSpecies), float64(prev.TotalSpecies)),
		Confidence:      change(curConfidence, prevConfidence),
		TopSpecies: TopSpeciesChange{
			Current:  cur.TopSpecies,
			Previous: prev.TopSpecies,
		},
		CurrentWindow:  current,
		PreviousWindow: previous,
	}, nil
}

// CurrentWindow resolves the delta window from a filter. A single date selects
// that day; a lone start runs until now; a lone end looks back the default width.
func (e *Engine) CurrentWindow(f query.FilterSpecification) Window {
	now := e.now().UTC()
	switch {
	case f.SingleDate != nil:
		day := f.SingleDate.UTC()
		return Window{Start: day, End: day.AddDate(0, 0, 1)}
	case f.StartDate != nil && f.EndDate != nil:
		return Window{Start: f.StartDate.UTC(), End: f.EndDate.UTC()}
	case f.StartDate != nil:
		return Window{Start: f.StartDate.UTC(), End: now}
	case f.EndDate != nil:
		end := f.EndDate.UTC()
		return Window{Start: end.Add(-DefaultWindow), End: end}
	default:
		return Window{Start: now.Add(-DefaultWindow), End: now}
	}
}

// PreviousWindow returns [start-width, start) where width is end-start.
// A zero-width window yields an empty previous window.
func PreviousWindow(start, end time.Time) Window {
	width := end.Sub(start)
	return Window{Start: start.Add(-width), End: start}
}

// GetDeltaValue returns the percentage change from previous to current. A zero
// previous value returns current unchanged.
func GetDeltaValue(current, previous float64) float64 {
	if previous == 0 {
		return current
	}
	return (current - previous) / previous * 100
}

func change(current, previous float64) Change {
	return Change{Current: round2(current), Delta: round2(GetDeltaValue(current, previous))}
}

// windowPredicate restricts f to the half-open window w
func windowPredicate(stationID string, f query.FilterSpecification, w Window) datastore.Predicate {
	end := w.End.Add(-time.Nanosecond)
	if end.Before(w.Start) {
		end = w.Start.Add(-time.Nanosecond)
	}
	return query.Predicate(stationID, f.WithWindow(w.Start, end))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// observe records the outcome of one aggregation
func (e *Engine) observe(op string, start time.Time, errp *error) {
	err := *errp
	if err != nil {
		e.log.Warn("aggregation failed",
			logger.String("operation", op),
			logger.Error(err))
	}
	if e.recorder == nil {
		return
	}
	e.recorder.RecordDuration(op, time.Since(start).Seconds())
	if err != nil {
		e.recorder.RecordOperation(op, metrics.StatusError)
		e.recorder.RecordError(op, string(errors.GetCategory(err)))
		return
	}
	e.recorder.RecordOperation(op, metrics.StatusSuccess)
}
