package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/events"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/media"
	"github.com/birdhub/birdhub/internal/species"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DetectionEvent
	reject bool
}

func (p *recordingPublisher) TryPublish(e events.DetectionEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false
	}
	p.events = append(p.events, e)
	return true
}

func (p *recordingPublisher) Events() []events.DetectionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.DetectionEvent(nil), p.events...)
}

type fixture struct {
	ds        *datastore.DataStore
	source    *media.StaticSource
	publisher *recordingPublisher
	service   *Service
}

func setupService(t *testing.T) *fixture {
	t.Helper()
	ds, err := datastore.OpenInMemory(logger.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	ctx := context.Background()
	require.NoError(t, ds.SaveStation(ctx, &datastore.Station{ID: "st-1", Name: "garden", DisplayName: "Back Garden"}))
	_, err = ds.UpsertSpecies(ctx, []datastore.Species{
		{Code: "eurbla", CommonName: "Eurasian Blackbird", ScientificName: "Turdus merula"},
	})
	require.NoError(t, err)

	src := media.NewStaticSource(map[string]media.Media{"eurbla": {
		ImageURL: "https://img.test/blackbird.jpg",
		AudioURL: "https://audio.test/blackbird.ogg",
	}})
	pub := &recordingPublisher{}
	svc := NewService(ds,
		species.NewResolver(ds, time.Minute, logger.NewDiscardLogger()),
		logger.NewDiscardLogger(),
		WithMediaResolver(media.NewResolver(ds, src, logger.NewDiscardLogger())),
		WithPublisher(pub),
		WithClock(func() time.Time { return fixedNow }),
	)
	return &fixture{ds: ds, source: src, publisher: pub, service: svc}
}

func confidence(v float64) *float64 { return &v }

func validPayload() Payload {
	return Payload{
		CommonName:         "Eurasian Blackbird",
		ScientificName:     "Turdus merula",
		Confidence:         confidence(0.82),
		DetectionTimestamp: "2024-06-01T11:58:00Z",
		StationMetadata:    &datastore.StationMetadata{StationName: "garden", Lat: 60.17, Lon: 24.94},
		AudioMetadata:      &datastore.AudioMetadata{Duration: 3, Channels: 1, SampleRate: 48000, SampleWidth: 2, DType: "int16"},
		ProcessingMetadata: &datastore.ProcessingMetadata{ModelName: "BirdNET_GLOBAL_6K_V2.4", MinConfidence: 0.7, SegmentDuration: 3, SegmentOverlap: 0},
		RecordingFileName:  "2024/06/01/garden_115800.wav",
	}
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestIngest_PersistsEnrichedDetection(t *testing.T) {
	t.Parallel()
	f := setupService(t)

	det, err := f.service.Ingest(context.Background(), "st-1", validPayload())
	require.NoError(t, err)
	require.NotNil(t, det)

	assert.NotZero(t, det.ID)
	assert.NotZero(t, det.AudioFileID)
	assert.False(t, det.CreatedAt.IsZero())
	require.NotNil(t, det.SpeciesCode)
	assert.Equal(t, "eurbla", *det.SpeciesCode)
	assert.Equal(t, datastore.StatusUnverified, det.VerificationStatus)
	assert.Equal(t, time.Date(2024, 6, 1, 11, 58, 0, 0, time.UTC), det.DetectionTimestamp)
	require.NotNil(t, det.Media)
	assert.Equal(t, "https://img.test/blackbird.jpg", *det.Media.ImageURL)

	stored, err := f.ds.GetDetection(context.Background(), det.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024/06/01/garden_115800.wav", stored.AudioFile.FileName)
	assert.Equal(t, "garden", stored.StationMetadata.Data().StationName)
	assert.Equal(t, "BirdNET_GLOBAL_6K_V2.4", stored.ProcessingMetadata.Data().ModelName)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, det.ID, published[0].Detection.ID)
	assert.NotEmpty(t, published[0].CorrelationID)
}

func TestIngest_DefaultsTimestampToNow(t *testing.T) {
	t.Parallel()
	f := setupService(t)

	p := validPayload()
	p.DetectionTimestamp = ""
	det, err := f.service.Ingest(context.Background(), "st-1", p)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, det.DetectionTimestamp)
}

func TestIngest_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		station   string
		mutate    func(p *Payload)
		wantField string
	}{
		{"missing common name", "st-1", func(p *Payload) { p.CommonName = "" }, "common_name"},
		{"blank scientific name", "st-1", func(p *Payload) { p.ScientificName = "   " }, "scientific_name"},
		{"missing confidence", "st-1", func(p *Payload) { p.Confidence = nil }, "confidence"},
		{"confidence above one", "st-1", func(p *Payload) { p.Confidence = confidence(1.2) }, "confidence"},
		{"negative confidence", "st-1", func(p *Payload) { p.Confidence = confidence(-0.1) }, "confidence"},
		{"missing station metadata", "st-1", func(p *Payload) { p.StationMetadata = nil }, "station_metadata"},
		{"missing audio metadata", "st-1", func(p *Payload) { p.AudioMetadata = nil }, "audio_metadata"},
		{"missing processing metadata", "st-1", func(p *Payload) { p.ProcessingMetadata = nil }, "processing_metadata"},
		{"nested metadata rule", "st-1", func(p *Payload) { p.StationMetadata.Lat = 123 }, "station_metadata.lat"},
		{"missing recording", "st-1", func(p *Payload) { p.RecordingFileName = "" }, "recording_file_name"},
		{"future timestamp", "st-1", func(p *Payload) { p.DetectionTimestamp = "2024-06-01T12:05:00Z" }, "detection_timestamp"},
		{"malformed timestamp", "st-1", func(p *Payload) { p.DetectionTimestamp = "yesterday" }, "detection_timestamp"},
		{"unknown station", "st-404", func(p *Payload) {}, "station_id"},
		{"empty station", "", func(p *Payload) {}, "station_id"},
	}

	f := setupService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(&p)

			det, err := f.service.Ingest(context.Background(), tt.station, p)
			require.Error(t, err)
			assert.Nil(t, det)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields, tt.wantField)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}

	assert.Zero(t, countRows(t, f.ds.DB, &datastore.Detection{}))
	assert.Zero(t, countRows(t, f.ds.DB, &datastore.AudioFile{}))
	assert.Empty(t, f.publisher.Events())
}

func TestIngest_ClockSkewTolerance(t *testing.T) {
	t.Parallel()
	f := setupService(t)

	p := validPayload()
	p.DetectionTimestamp = "2024-06-01T12:01:30Z" // within the default two minutes
	_, err := f.service.Ingest(context.Background(), "st-1", p)
	require.NoError(t, err)

	strict := NewService(f.ds, nil, logger.NewDiscardLogger(),
		WithClockSkew(0),
		WithClock(func() time.Time { return fixedNow }))
	_, err = strict.Ingest(context.Background(), "st-1", p)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "is in the future", ve.Fields["detection_timestamp"])
}

func TestIngest_UnknownSpeciesStillPersisted(t *testing.T) {
	t.Parallel()
	f := setupService(t)

	p := validPayload()
	p.CommonName = "Mystery Warbler"
	p.ScientificName = "Phylloscopus mysterius"
	det, err := f.service.Ingest(context.Background(), "st-1", p)
	require.NoError(t, err)
	assert.Nil(t, det.SpeciesCode)
	assert.Nil(t, det.Media)
	assert.Equal(t, 0, f.source.Calls())
}

func TestIngest_MediaFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := setupService(t)
	f.source.SetError(errors.Newf("upstream down").Category(errors.CategoryNetwork).Build())

	det, err := f.service.Ingest(context.Background(), "st-1", validPayload())
	require.NoError(t, err)
	require.NotNil(t, det.SpeciesCode)
	assert.Nil(t, det.Media)
}

func TestIngest_PersistenceFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := setupService(t)

	err := f.ds.DB.Callback().Create().Before("gorm:create").Register("test:fail_detections", func(tx *gorm.DB) {
		if tx.Statement.Table == "detections" {
			_ = tx.AddError(errors.NewStd("disk full"))
		}
	})
	require.NoError(t, err)

	det, err := f.service.Ingest(context.Background(), "st-1", validPayload())
	require.Error(t, err)
	assert.Nil(t, det)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "failed to store detection", pe.Error())
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))

	assert.Zero(t, countRows(t, f.ds.DB, &datastore.Detection{}))
	assert.Zero(t, countRows(t, f.ds.DB, &datastore.AudioFile{}))
	assert.Empty(t, f.publisher.Events())
}

func TestIngest_DroppedDispatchDoesNotFailIngest(t *testing.T) {
	t.Parallel()
	f := setupService(t)
	f.publisher.reject = true

	det, err := f.service.Ingest(context.Background(), "st-1", validPayload())
	require.NoError(t, err)
	assert.NotZero(t, det.ID)
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-06-01T11:58:00Z", time.Date(2024, 6, 1, 11, 58, 0, 0, time.UTC), true},
		{"2024-06-01T13:58:00+02:00", time.Date(2024, 6, 1, 11, 58, 0, 0, time.UTC), true},
		{"2024-06-01T11:58:00.250Z", time.Date(2024, 6, 1, 11, 58, 0, 250_000_000, time.UTC), true},
		{"2024-06-01T11:58:00", time.Date(2024, 6, 1, 11, 58, 0, 0, time.UTC), true},
		{"2024-06-01 11:58:00", time.Date(2024, 6, 1, 11, 58, 0, 0, time.UTC), true},
		{"01/06/2024", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := parseTimestamp(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.True(t, tt.want.Equal(got), tt.in)
	}
}
