package datastore

import (
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/logger"
)

// MySQLStore implements the datastore on MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

// mysqlDSN builds the data source name; timestamps are read and written as UTC
func mysqlDSN(s *conf.MySQLSettings) string {
	cfg := gomysql.NewConfig()
	cfg.User = s.Username
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = s.Address()
	cfg.DBName = s.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// Open connects to MySQL and migrates the schema
func (store *MySQLStore) Open() error {
	m := store.Settings.Database.MySQL

	db, err := gorm.Open(mysql.Open(mysqlDSN(&m)), gormConfig(store.Logger, store.Settings.Database.SlowThreshold))
	if err != nil {
		store.Logger.Error("failed to open MySQL database",
			logger.String("address", m.Address()),
			logger.String("database", m.Database),
			logger.Error(err))
		return dbError(err, "open_mysql", "critical", "address", m.Address())
	}

	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "open_mysql", "critical")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store.DB = db
	store.Logger.Info("mysql database opened",
		logger.String("address", m.Address()),
		logger.String("database", m.Database))
	return store.AutoMigrate()
}
