package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/cursor"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/primary"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/queue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The queue, cursor and entity tables are the engine's durable state; they
// must survive restarts for the startup catch-up run to mean anything.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&queue.ChangeRecord{},
		&cursor.SyncCursor{},
		&primary.EntityRow{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
