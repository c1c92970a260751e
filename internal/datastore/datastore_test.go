package datastore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

// setupTestDB creates an in-memory SQLite database with the full schema
func setupTestDB(t *testing.T) *DataStore {
	t.Helper()

	ds, err := OpenInMemory(logger.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func seedStation(t *testing.T, ds *DataStore, id string) *Station {
	t.Helper()
	st := &Station{ID: id, Name: "Station " + id, DisplayName: "Garden " + id, Latitude: 60.1, Longitude: 24.9}
	require.NoError(t, ds.SaveStation(context.Background(), st))
	return st
}

func newDetection(stationID, common, scientific string, confidence float64, ts time.Time) (*Detection, *AudioFile) {
	det := &Detection{
		StationID:          stationID,
		CommonName:         common,
		ScientificName:     scientific,
		Confidence:         confidence,
		DetectionTimestamp: ts.UTC(),
		StationMetadata:    datatypes.NewJSONType(StationMetadata{StationName: stationID, Lat: 60.1, Lon: 24.9}),
		AudioMetadata:      datatypes.NewJSONType(AudioMetadata{Duration: 3, Channels: 1, SampleRate: 48000, SampleWidth: 2}),
		ProcessingMetadata: datatypes.NewJSONType(ProcessingMetadata{ModelName: "BirdNET_GLOBAL_6K_V2.4", MinConfidence: 0.25}),
	}
	audio := &AudioFile{StationID: stationID, FileName: fmt.Sprintf("%s_%d.wav", stationID, ts.UnixNano())}
	return det, audio
}

func seedDetection(t *testing.T, ds *DataStore, stationID, common, scientific string, confidence float64, ts time.Time) *Detection {
	t.Helper()
	det, audio := newDetection(stationID, common, scientific, confidence, ts)
	require.NoError(t, ds.SaveDetectionWithAudio(context.Background(), det, audio))
	return det
}

func TestNew_SelectsStore(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Database.Type = conf.DatabaseSQLite
	store, err := New(settings, logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)

	settings.Database.Type = conf.DatabaseMySQL
	store, err = New(settings, logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.IsType(t, &MySQLStore{}, store)

	settings.Database.Type = "postgres"
	_, err = New(settings, logger.NewDiscardLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestSQLiteStore_OpenFile(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Database.Type = conf.DatabaseSQLite
	settings.Database.SQLite.Path = t.TempDir() + "/data/birdhub.db"

	store, err := New(settings, logger.NewDiscardLogger())
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.SaveStation(context.Background(), &Station{ID: "st-1", Name: "one"}))
	got, err := store.GetStation(context.Background(), "st-1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Label())
}

func TestMySQLDSN(t *testing.T) {
	t.Parallel()

	dsn := mysqlDSN(&conf.MySQLSettings{Host: "db", Port: 3306, Username: "bird", Password: "secret", Database: "birdhub"})
	assert.Contains(t, dsn, "bird:secret@tcp(db:3306)/birdhub")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestSaveDetectionWithAudio(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	ctx := context.Background()
	seedStation(t, ds, "st-1")

	ts := time.Date(2024, 5, 1, 6, 30, 0, 0, time.UTC)
	det := seedDetection(t, ds, "st-1", "Eurasian Blackbird", "Turdus merula", 0.82, ts)

	assert.NotZero(t, det.ID)
	assert.NotZero(t, det.AudioFileID)
	assert.Equal(t, StatusUnverified, det.VerificationStatus)
	assert.False(t, det.CreatedAt.IsZero())

	got, err := ds.GetDetection(ctx, det.ID)
	require.NoError(t, err)
	assert.Equal(t, "Turdus merula", got.ScientificName)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
	assert.True(t, ts.Equal(got.DetectionTimestamp))
	require.NotNil(t, got.AudioFile)
	assert.Equal(t, det.AudioFileID, got.AudioFile.ID)
	assert.Equal(t, "BirdNET_GLOBAL_6K_V2.4", got.ProcessingMetadata.Data().ModelName)
	assert.Equal(t, 48000, got.AudioMetadata.Data().SampleRate)
}

func TestSaveDetectionWithAudio_RollsBackAudioOnDetectionFailure(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	ctx := context.Background()
	seedStation(t, ds, "st-1")

	// fail every insert into detections after the audio row has been written
	err := ds.DB.Callback().Create().Before("gorm:create").Register("test:fail_detections", func(tx *gorm.DB) {
		if tx.Statement.Table == "detections" {
			_ = tx.AddError(fmt.Errorf("injected failure"))
		}
	})
	require.NoError(t, err)

	det, audio := newDetection("st-1", "Great Tit", "Parus major", 0.9, time.Now())
	err = ds.SaveDetectionWithAudio(ctx, det, audio)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
	assert.Zero(t, det.ID)
	assert.Zero(t, audio.ID)

	var audioCount, detCount int64
	require.NoError(t, ds.DB.Model(&AudioFile{}).Count(&audioCount).Error)
	require.NoError(t, ds.DB.Model(&Detection{}).Count(&detCount).Error)
	assert.Zero(t, audioCount)
	assert.Zero(t, detCount)
}

func TestSaveDetectionWithAudio_RequiresBoth(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	err := ds.SaveDetectionWithAudio(context.Background(), &Detection{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestGetDetection_NotFound(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	_, err := ds.GetDetection(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.ErrorIs(t, err, ErrDetectionNotFound)
}

func TestSearchDetections(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	ctx := context.Background()
	seedStation(t, ds, "st-1")
	seedStation(t, ds, "st-2")

	base := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	for i := range 5 {
		seedDetection(t, ds, "st-1", "Common Chaffinch", "Fringilla coelebs", 0.5+float64(i)/10, base.Add(time.Duration(i)*time.Minute))
	}
	seedDetection(t, ds, "st-2", "Common Chaffinch", "Fringilla coelebs", 0.99, base)

	q := DetectionQuery{
		Where:   Predicate{SQL: "station_id = ? AND confidence >= ?", Params: []any{"st-1", 0.55}},
		OrderBy: "confidence DESC",
		Limit:   2,
		Offset:  1,
	}
	got, total, err := ds.SearchDetections(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.8, got[0].Confidence, 1e-9)
	assert.InDelta(t, 0.7, got[1].Confidence, 1e-9)
	assert.NotNil(t, got[0].AudioFile)
}

func TestUpdateVerification(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	ctx := context.Background()
	seedStation(t, ds, "st-1")
	det := seedDetection(t, ds, "st-1", "Song Thrush", "Turdus philomelos", 0.7, time.Now())

	got, err := ds.UpdateVerification(ctx, det.ID, VerificationUpdate{Status: StatusVerified})
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, got.VerificationStatus)

	// same status again must not look like a missing row
	_, err = ds.UpdateVerification(ctx, det.ID, VerificationUpdate{Status: StatusVerified})
	require.NoError(t, err)

	code := "eurbla"
	got, err = ds.UpdateVerification(ctx, det.ID, VerificationUpdate{
		Status:                  StatusReclassified,
		CorrectedCommonName:     "Eurasian Blackbird",
		CorrectedScientificName: "Turdus merula",
		CorrectedSpeciesCode:    &code,
	})
	require.NoError(t, err)
	assert.Equal(t, "Turdus merula", got.ScientificName)
	require.NotNil(t, got.SpeciesCode)
	assert.Equal(t, "eurbla", *got.SpeciesCode)

	_, err = ds.UpdateVerification(ctx, det.ID, VerificationUpdate{Status: StatusReclassified})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = ds.UpdateVerification(ctx, det.ID, VerificationUpdate{Status: "maybe"})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = ds.UpdateVerification(ctx, 999, VerificationUpdate{Status: StatusNonEvent})
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteDetection_Protected(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	ctx := context.Background()
	seedStation(t, ds, "st-1")
	det := seedDetection(t, ds, "st-1", "Robin", "Erithacus rubecula", 0.8, time.Now())

	require.NoError(t, ds.SetProtected(ctx, det.ID, true))
	require.NoError(t, ds.SetProtected(ctx, det.ID, true))

	err := ds.DeleteDetection(ctx, det.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	assert.ErrorIs(t, err, ErrProtected)

	require.NoError(t, ds.SetProtected(ctx, det.ID, false))
	require.NoError(t, ds.DeleteDetection(ctx, det.ID))

	_, err = ds.GetDetection(ctx, det.ID)
	assert.True(t, errors.IsNotFound(err))

	var audioCount int64
	require.NoError(t, ds.DB.Model(&AudioFile{}).Count(&audioCount).Error)
	assert.Zero(t, audioCount)

	assert.True(t, errors.IsNotFound(ds.SetProtected(ctx, 999, true)))
	assert.True(t, errors.IsNotFound(ds.DeleteDetection(ctx, 999)))
}

func TestSaveUser_Duplicate(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, ds.SaveUser(ctx, &User{Email: "a@example.com"}))
	err := ds.SaveUser(ctx, &User{Email: "a@example.com"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestGetStation_NotFound(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)

	_, err := ds.GetStation(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))
	assert.ErrorIs(t, err, ErrStationNotFound)
}
