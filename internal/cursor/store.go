package cursor

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// SyncCursor is the persisted per-stream watermark. The reverse poller only
// fetches rows modified strictly after LastSyncedAtSeconds, then advances it
// to the newest timestamp it applied. It only ever moves forward.
type SyncCursor struct {
	StreamName          string `gorm:"column:stream_name;primaryKey;size:190;not null"`
	LastSyncedAtSeconds int64  `gorm:"column:last_synced_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// Store owns sync_cursors persistence. Each stream has exactly one cursor,
// created lazily on first poll.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Get returns the stream's watermark, creating it seeded to initial when the
// stream has never been polled. The seed is normally now minus the configured
// lookback window.
func (s *Store) Get(ctx context.Context, streamName string, initial time.Time) (int64, error) {
	var record SyncCursor
	err := s.db.WithContext(ctx).Take(&record, "stream_name = ?", streamName).Error
	if err == nil {
		return record.LastSyncedAtSeconds, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	record = SyncCursor{StreamName: streamName, LastSyncedAtSeconds: initial.UTC().Unix()}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return 0, err
	}
	return record.LastSyncedAtSeconds, nil
}

// Advance moves the stream's watermark forward. A value at or behind the
// stored watermark is ignored, so replayed or empty polls can never rewind
// the stream.
func (s *Store) Advance(ctx context.Context, streamName string, syncedAtSeconds int64) error {
	return s.db.WithContext(ctx).Model(&SyncCursor{}).
		Where("stream_name = ? AND last_synced_at_s < ?", streamName, syncedAtSeconds).
		Update("last_synced_at_s", syncedAtSeconds).Error
}

// All returns every known cursor, for the status endpoint.
func (s *Store) All(ctx context.Context) ([]SyncCursor, error) {
	var cursors []SyncCursor
	err := s.db.WithContext(ctx).Order("stream_name ASC").Find(&cursors).Error
	if err != nil {
		return nil, err
	}
	return cursors, nil
}
