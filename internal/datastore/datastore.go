package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/logger"
)

// Interface is the storage contract used by the ingestion, fan-out, media and analytics code.
type Interface interface {
	Open() error
	Close() error
	Ping(ctx context.Context) error

	// Stations and users
	GetStation(ctx context.Context, id string) (*Station, error)
	SaveStation(ctx context.Context, station *Station) error
	SaveUser(ctx context.Context, user *User) error

	// Detections
	SaveDetectionWithAudio(ctx context.Context, detection *Detection, audio *AudioFile) error
	GetDetection(ctx context.Context, id uint64) (*Detection, error)
	SearchDetections(ctx context.Context, q DetectionQuery) ([]Detection, int64, error)
	UpdateVerification(ctx context.Context, id uint64, update VerificationUpdate) (*Detection, error)
	SetProtected(ctx context.Context, id uint64, protected bool) error
	DeleteDetection(ctx context.Context, id uint64) error

	// Taxonomy and media
	FindSpecies(ctx context.Context, key string) (*Species, error)
	GetSpecies(ctx context.Context, code string) (*Species, error)
	UpsertSpecies(ctx context.Context, species []Species) (int64, error)
	GetSpeciesMedia(ctx context.Context, code string) (*SpeciesMedia, error)
	MergeSpeciesMedia(ctx context.Context, media *SpeciesMedia) (*SpeciesMedia, error)
	ListIncompleteMedia(ctx context.Context, limit int) ([]MediaCandidate, error)

	// Notification preferences
	SavePreference(ctx context.Context, pref *NotificationPreference) error
	GetEnabledPreferences(ctx context.Context, stationID, eventType string) ([]NotificationPreference, error)

	// Analytics
	CountByHour(ctx context.Context, where Predicate) ([]HourCount, error)
	CountDistinctDays(ctx context.Context, where Predicate) (int64, error)
	DailySpeciesCounts(ctx context.Context, where Predicate) ([]DailySpeciesCount, error)
	PeriodSummary(ctx context.Context, where Predicate) (*Summary, error)
}

// Predicate is a parameterized WHERE clause over the detections table.
type Predicate struct {
	SQL    string
	Params []any
}

// DataStore implements Interface on top of GORM
type DataStore struct {
	DB     *gorm.DB
	Logger logger.Logger
}

// New returns the store selected by settings. Open must be called before use.
func New(settings *conf.Settings, log logger.Logger) (Interface, error) {
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	switch settings.Database.Type {
	case conf.DatabaseSQLite, "":
		return &SQLiteStore{DataStore: DataStore{Logger: log}, Settings: settings}, nil
	case conf.DatabaseMySQL:
		return &MySQLStore{DataStore: DataStore{Logger: log}, Settings: settings}, nil
	default:
		return nil, validationError(fmt.Sprintf("unsupported database type %q", settings.Database.Type),
			"database.type", settings.Database.Type)
	}
}

// NewWithDB wraps an already opened connection, used by tests and tools.
func NewWithDB(db *gorm.DB, log logger.Logger) (*DataStore, error) {
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	ds := &DataStore{DB: db, Logger: log}
	if err := ds.AutoMigrate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// gormConfig returns the shared GORM configuration
func gormConfig(log logger.Logger, slowThreshold time.Duration) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.NewGormLoggerAdapter(log, slowThreshold),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// AutoMigrate creates or updates the schema
func (ds *DataStore) AutoMigrate() error {
	if err := ds.DB.AutoMigrate(
		&Station{},
		&AudioFile{},
		&Detection{},
		&Species{},
		&SpeciesMedia{},
		&User{},
		&NotificationPreference{},
	); err != nil {
		return dbError(err, "auto_migrate", "high")
	}
	return nil
}

// Open is implemented by the dialect specific stores
func (ds *DataStore) Open() error {
	if ds.DB == nil {
		return dbError(fmt.Errorf("database connection is not initialized"), "open", "high")
	}
	return nil
}

// Close closes the underlying connection pool
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close", "")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", "")
	}
	ds.Logger.Debug("database connection closed")
	return nil
}

// Ping checks the database connection
func (ds *DataStore) Ping(ctx context.Context) error {
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "ping", "")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return dbError(err, "ping", "high")
	}
	return nil
}

// dialect returns the GORM dialector name ("sqlite" or "mysql")
func (ds *DataStore) dialect() string {
	return ds.DB.Dialector.Name()
}
