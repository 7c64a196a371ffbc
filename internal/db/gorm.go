package db

import (
	"fmt"

	"practice-sync/internal/config"
	"practice-sync/internal/kvstore"
	"practice-sync/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// ClientModels are the tables a device needs: only the key-value entries.
var ClientModels = []any{&kvstore.Entry{}}

// RelayModels are the tables the relay persists events and entity snapshots into.
var RelayModels = []any{&models.EventRecord{}, &models.EntityRecord{}}

// NewGorm opens the configured driver and migrates the given models.
func NewGorm(cfg *config.Config, log *zap.SugaredLogger, migrate ...any) (*GormDB, error) {
	var dialector gorm.Dialector
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DatabaseURL())
	case config.DriverSQLite:
		return OpenSQLite(cfg.DatabaseURL(), log, migrate...)
	default:
		return nil, fmt.Errorf("store driver %q has no database", cfg.Store.Driver)
	}
	return Open(dialector, log, migrate...)
}

// Open connects through dialector and auto-migrates models.
func Open(dialector gorm.Dialector, log *zap.SugaredLogger, migrate ...any) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// GORM creates/updates tables based on struct definitions
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	log.Infow("Database connected and migrated", "dialect", dialector.Name(), "tables", len(migrate))

	return &GormDB{db}, nil
}

// OpenSQLite opens (or creates) a SQLite database file. SQLite has a single
// writer, so the pool is limited to one connection.
func OpenSQLite(path string, log *zap.SugaredLogger, migrate ...any) (*GormDB, error) {
	db, err := Open(sqlite.Open(path), log, migrate...)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
