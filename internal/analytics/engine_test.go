package analytics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
	"github.com/birdhub/birdhub/internal/query"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *datastore.DataStore {
	t.Helper()
	ds, err := datastore.OpenInMemory(logger.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	ctx := context.Background()
	for _, id := range []string{"st-1", "st-2"} {
		require.NoError(t, ds.SaveStation(ctx, &datastore.Station{ID: id, Name: id, DisplayName: "Garden " + id}))
	}
	return ds
}

func seed(t *testing.T, ds *datastore.DataStore, stationID, common string, confidence float64, ts time.Time) {
	t.Helper()
	det := &datastore.Detection{
		StationID:          stationID,
		CommonName:         common,
		ScientificName:     common + " sp.",
		Confidence:         confidence,
		DetectionTimestamp: ts.UTC(),
		StationMetadata:    datatypes.NewJSONType(datastore.StationMetadata{StationName: stationID}),
		AudioMetadata:      datatypes.NewJSONType(datastore.AudioMetadata{Duration: 3, Channels: 1, SampleRate: 48000}),
		ProcessingMetadata: datatypes.NewJSONType(datastore.ProcessingMetadata{ModelName: "BirdNET_GLOBAL_6K_V2.4"}),
	}
	audio := &datastore.AudioFile{StationID: stationID, FileName: fmt.Sprintf("%s_%d.wav", stationID, ts.UnixNano())}
	require.NoError(t, ds.SaveDetectionWithAudio(context.Background(), det, audio))
}

func newTestEngine(store Store, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(store, logger.NewDiscardLogger(), opts...)
}

func TestGetDeltaValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name              string
		current, previous float64
		want              float64
	}{
		{"previous zero returns current", 10, 0, 10},
		{"increase", 15, 10, 50},
		{"decrease", 5, 10, -50},
		{"both zero", 0, 0, 0},
		{"unchanged", 7, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, GetDeltaValue(tt.current, tt.previous), 1e-9)
		})
	}
}

func TestPreviousWindow(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	w := PreviousWindow(start, end)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, start, w.End)

	empty := PreviousWindow(start, start)
	assert.Equal(t, start, empty.Start)
	assert.Equal(t, start, empty.End)
}

func TestCurrentWindow(t *testing.T) {
	t.Parallel()
	e := newTestEngine(nil)
	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, Window{Start: fixedNow.Add(-DefaultWindow), End: fixedNow}, e.CurrentWindow(query.FilterSpecification{}))
	assert.Equal(t, Window{Start: day, End: day.AddDate(0, 0, 1)}, e.CurrentWindow(query.FilterSpecification{SingleDate: &day}))
	assert.Equal(t, Window{Start: day, End: fixedNow}, e.CurrentWindow(query.FilterSpecification{StartDate: &day}))
	assert.Equal(t, Window{Start: end.Add(-DefaultWindow), End: end}, e.CurrentWindow(query.FilterSpecification{EndDate: &end}))
	assert.Equal(t, Window{Start: day, End: end}, e.CurrentWindow(query.FilterSpecification{StartDate: &day, EndDate: &end}))
}

func TestHourlyTrend_AveragesAndZeroFills(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	day1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	seed(t, ds, "st-1", "Eurasian Blackbird", 0.9, day1.Add(5*time.Hour+10*time.Minute))
	seed(t, ds, "st-1", "Eurasian Blackbird", 0.8, day1.Add(5*time.Hour+40*time.Minute))
	seed(t, ds, "st-1", "Great Tit", 0.7, day1.Add(6*time.Hour))
	seed(t, ds, "st-1", "Eurasian Blackbird", 0.6, day2.Add(5*time.Hour))
	seed(t, ds, "st-1", "European Robin", 0.5, day2.Add(23*time.Hour+59*time.Minute))
	seed(t, ds, "st-2", "Great Tit", 0.95, day2.Add(12*time.Hour))

	buckets, err := newTestEngine(ds).HourlyTrend(context.Background(), "st-1", query.FilterSpecification{})
	require.NoError(t, err)
	require.Len(t, buckets, HoursPerDay)

	for h, b := range buckets {
		assert.Equal(t, h, b.Hour)
		switch h {
		case 5:
			assert.InDelta(t, 1.5, b.AverageDetections, 1e-9)
		case 6, 23:
			assert.InDelta(t, 0.5, b.AverageDetections, 1e-9)
		default:
			assert.Zero(t, b.AverageDetections, "hour %d", h)
		}
	}
}

func TestHourlyTrend_EmptyStore(t *testing.T) {
	t.Parallel()
	buckets, err := newTestEngine(setupStore(t)).HourlyTrend(context.Background(), "st-1", query.FilterSpecification{})
	require.NoError(t, err)
	require.Len(t, buckets, HoursPerDay)
	for _, b := range buckets {
		assert.Zero(t, b.AverageDetections)
	}
}

func TestFillHoursIgnoresOutOfRange(t *testing.T) {
	t.Parallel()
	buckets := fillHours([]datastore.HourCount{{Hour: -1, Count: 4}, {Hour: 24, Count: 4}, {Hour: 0, Count: 3}}, 0)
	require.Len(t, buckets, HoursPerDay)
	assert.InDelta(t, 3.0, buckets[0].AverageDetections, 1e-9)
}

func TestDailyTotals(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	day1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	seed(t, ds, "st-1", "Great Tit", 0.7, day1.Add(6*time.Hour))
	seed(t, ds, "st-1", "Eurasian Blackbird", 0.9, day1.Add(5*time.Hour))
	seed(t, ds, "st-1", "Eurasian Blackbird", 0.8, day1.Add(7*time.Hour))
	seed(t, ds, "st-1", "European Robin", 0.5, day2.Add(8*time.Hour))

	minConfidence := 0.6
	totals, err := newTestEngine(ds).DailyTotals(context.Background(), "st-1", query.FilterSpecification{MinConfidence: &minConfidence})
	require.NoError(t, err)
	assert.Equal(t, []DailyTotal{
		{Date: "2024-06-01", CommonName: "Eurasian Blackbird", Count: 2},
		{Date: "2024-06-01", CommonName: "Great Tit", Count: 1},
	}, totals)
}

func TestDelta_ComparesWithPreviousWeek(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	currentStart := fixedNow.Add(-DefaultWindow)

	// current window, including a detection exactly on its start
	seed(t, ds, "st-1", "Eurasian Blackbird", 0.75, currentStart)
	seed(t, ds, "st-1", "Eurasian Blackbird", 0.75, currentStart.Add(48*time.Hour))
	seed(t, ds, "st-1", "Eurasian Blackbird", 0.75, fixedNow.Add(-time.Hour))
	seed(t, ds, "st-1", "European Robin", 0.25, fixedNow.Add(-2*time.Hour))
	// previous window
	seed(t, ds, "st-1", "Great Tit", 0.5, currentStart.Add(-time.Second))
	seed(t, ds, "st-1", "Great Tit", 0.5, currentStart.Add(-3*24*time.Hour))
	// other station and outside both windows
	seed(t, ds, "st-2", "Common Raven", 0.99, fixedNow.Add(-time.Hour))
	seed(t, ds, "st-1", "Common Raven", 0.99, currentStart.Add(-DefaultWindow-time.Hour))

	report, err := newTestEngine(ds).Delta(context.Background(), "st-1", query.FilterSpecification{})
	require.NoError(t, err)

	assert.Equal(t, Change{Current: 4, Delta: 100}, report.TotalDetections)
	assert.Equal(t, Change{Current: 2, Delta: 100}, report.TotalSpecies)
	assert.Equal(t, Change{Current: 62.5, Delta: 25}, report.Confidence)
	assert.Equal(t, TopSpeciesChange{Current: "Eurasian Blackbird", Previous: "Great Tit"}, report.TopSpecies)
	assert.Equal(t, Window{Start: currentStart, End: fixedNow}, report.CurrentWindow)
	assert.Equal(t, Window{Start: currentStart.Add(-DefaultWindow), End: currentStart}, report.PreviousWindow)
}

func TestDelta_EmptyPreviousPeriod(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	seed(t, ds, "st-1", "Eurasian Blackbird", 0.5, fixedNow.Add(-time.Hour))

	report, err := newTestEngine(ds).Delta(context.Background(), "st-1", query.FilterSpecification{})
	require.NoError(t, err)

	assert.Equal(t, Change{Current: 1, Delta: 1}, report.TotalDetections)
	assert.Equal(t, Change{Current: 50, Delta: 50}, report.Confidence)
	assert.Equal(t, "", report.TopSpecies.Previous)
}

func TestDelta_SingleDay(t *testing.T) {
	t.Parallel()
	ds := setupStore(t)
	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	seed(t, ds, "st-1", "Great Tit", 0.5, day.Add(9*time.Hour))
	seed(t, ds, "st-1", "Great Tit", 0.5, day.Add(10*time.Hour))
	seed(t, ds, "st-1", "Great Tit", 0.5, day.Add(-15*time.Hour))
	seed(t, ds, "st-1", "Great Tit", 0.5, day.Add(24*time.Hour))

	report, err := newTestEngine(ds).Delta(context.Background(), "st-1", query.FilterSpecification{SingleDate: &day})
	require.NoError(t, err)
	assert.Equal(t, Change{Current: 2, Delta: 100}, report.TotalDetections)
}

type failingStore struct{}

func (failingStore) CountByHour(context.Context, datastore.Predicate) ([]datastore.HourCount, error) {
	return nil, errors.Newf("database is locked").Category(errors.CategoryDatabase).Build()
}

func (failingStore) CountDistinctDays(context.Context, datastore.Predicate) (int64, error) {
	return 0, nil
}

func (failingStore) DailySpeciesCounts(context.Context, datastore.Predicate) ([]datastore.DailySpeciesCount, error) {
	return nil, nil
}

func (failingStore) PeriodSummary(context.Context, datastore.Predicate) (*datastore.Summary, error) {
	return nil, errors.Newf("database is locked").Category(errors.CategoryDatabase).Build()
}

type recordingRecorder struct {
	mu         sync.Mutex
	operations map[string]string
	errs       map[string]string
	durations  int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{operations: map[string]string{}, errs: map[string]string{}}
}

func (r *recordingRecorder) RecordOperation(op, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[op] = status
}

func (r *recordingRecorder) RecordDuration(string, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations++
}

func (r *recordingRecorder) RecordError(op, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[op] = errorType
}

func TestEngine_RecordsOutcomes(t *testing.T) {
	t.Parallel()
	rec := newRecordingRecorder()
	e := newTestEngine(failingStore{}, WithRecorder(rec))
	ctx := context.Background()

	_, err := e.HourlyTrend(ctx, "st-1", query.FilterSpecification{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))

	_, err = e.Delta(ctx, "st-1", query.FilterSpecification{})
	require.Error(t, err)

	_, err = e.DailyTotals(ctx, "st-1", query.FilterSpecification{})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, metrics.StatusError, rec.operations[metrics.OpHourlyTrend])
	assert.Equal(t, metrics.StatusError, rec.operations[metrics.OpDelta])
	assert.Equal(t, metrics.StatusSuccess, rec.operations[metrics.OpDailyTotals])
	assert.Equal(t, string(errors.CategoryDatabase), rec.errs[metrics.OpHourlyTrend])
	assert.Equal(t, 3, rec.durations)
}
