package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/logger"
)

// SQLiteStore implements the datastore on SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// sqliteDSN enables foreign keys and WAL so readers don't block the ingestion writer
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_foreign_keys=on"
	}
	return fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
}

// Open opens the SQLite database and migrates the schema
func (store *SQLiteStore) Open() error {
	path := store.Settings.Database.SQLite.Path
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return dbError(err, "create_directory", "high", "path", dir)
		}
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), gormConfig(store.Logger, store.Settings.Database.SlowThreshold))
	if err != nil {
		return dbError(err, "open_sqlite", "critical", "path", path)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under concurrent ingestion
	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "open_sqlite", "critical")
	}
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	store.Logger.Info("sqlite database opened", logger.String("path", path))
	return store.AutoMigrate()
}

// OpenInMemory opens a private in-memory SQLite database with the full schema.
// The database lives as long as its single connection, so it is never shared.
func OpenInMemory(log logger.Logger) (*DataStore, error) {
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	db, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=on"), gormConfig(log, time.Second))
	if err != nil {
		return nil, dbError(err, "open_sqlite", "critical", "path", ":memory:")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, dbError(err, "open_sqlite", "critical")
	}
	sqlDB.SetMaxOpenConns(1)
	return NewWithDB(db, log)
}
