package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Attempt budget enforced before the configurable cap existed; records past
// it were retried forever.
const legacyAttemptCap = 10

const migrationFailExhaustedRecords = "2026-07-20_fail_exhausted_change_records"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationFailExhaustedRecords, apply: failExhaustedChangeRecords},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func failExhaustedChangeRecords(db *gorm.DB) error {
	return db.Model(&queue.ChangeRecord{}).
		Where("status = ? AND attempts >= ?", queue.StatusPending, legacyAttemptCap).
		Update("status", queue.StatusFailed).Error
}
