package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrRecordNotFound indicates the referenced change record does not exist.
	ErrRecordNotFound = errors.New("queue: change record not found")
	// ErrRecordNotFailed indicates a requeue was attempted on a record that is not failed.
	ErrRecordNotFailed = errors.New("queue: change record is not failed")
)

// Store owns change_records persistence. Append runs inside the capturing
// transaction; every status transition belongs to the queue processor, except
// Requeue which is the operator recovery path.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// StoreConfig configures a queue store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Append persists a new pending record using the provided transaction handle,
// so capture commits or rolls back atomically with the write it observed.
func (s *Store) Append(tx *gorm.DB, record *ChangeRecord) error {
	if tx == nil {
		tx = s.db
	}
	record.Status = StatusPending
	record.Attempts = 0
	record.LastError = nil
	if record.CreatedAtSeconds == 0 {
		record.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	return tx.Create(record).Error
}

// PendingBatch returns up to limit pending records in capture order.
func (s *Store) PendingBatch(ctx context.Context, limit int) ([]ChangeRecord, error) {
	var records []ChangeRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MarkSynced transitions a record to synced and clears its last error.
func (s *Store) MarkSynced(ctx context.Context, id uint64) error {
	result := s.db.WithContext(ctx).Model(&ChangeRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": StatusSynced, "last_error": nil})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
	}
	return nil
}

// HasNewerSynced reports whether a later capture of the same row has already
// been applied to the replica. A pending record it outranks is stale:
// upserting it would regress the row to an older snapshot.
func (s *Store) HasNewerSynced(ctx context.Context, entityType, recordID string, id uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ChangeRecord{}).
		Where("entity_type = ? AND record_id = ? AND status = ? AND id > ?",
			entityType, recordID, StatusSynced, id).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordFailure increments the attempt counter, stores the cause, and marks
// the record failed once the attempt budget is exhausted. It returns the
// resulting status so callers can distinguish a retryable record from a dead
// one.
func (s *Store) RecordFailure(ctx context.Context, id uint64, cause error, maxAttempts int) (Status, error) {
	var record ChangeRecord
	if err := s.db.WithContext(ctx).Take(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
		}
		return "", err
	}

	record.Attempts++
	message := cause.Error()
	record.LastError = &message
	record.Status = StatusPending
	if record.Attempts >= maxAttempts {
		record.Status = StatusFailed
	}

	err := s.db.WithContext(ctx).Model(&ChangeRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   record.Attempts,
			"last_error": record.LastError,
			"status":     record.Status,
		}).Error
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

// Requeue resets a failed record to pending with a fresh attempt budget.
// This is the operator path for records that failed permanently.
func (s *Store) Requeue(ctx context.Context, id uint64) error {
	var record ChangeRecord
	if err := s.db.WithContext(ctx).Take(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
		}
		return err
	}
	if record.Status != StatusFailed {
		return fmt.Errorf("%w: id %d has status %q", ErrRecordNotFailed, id, record.Status)
	}

	return s.db.WithContext(ctx).Model(&ChangeRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     StatusPending,
			"attempts":   0,
			"last_error": nil,
		}).Error
}

// StatusCounts returns the per-entity-type breakdown by status.
func (s *Store) StatusCounts(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := s.db.WithContext(ctx).Model(&ChangeRecord{}).
		Select("entity_type, status, COUNT(*) as count").
		Group("entity_type").
		Group("status").
		Order("entity_type ASC").
		Find(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// PruneSynced deletes synced records captured before the cutoff, bounding
// queue-table growth. Pending and failed records are never pruned.
func (s *Store) PruneSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND created_at_s < ?", StatusSynced, olderThan.UTC().Unix()).
		Delete(&ChangeRecord{})
	return result.RowsAffected, result.Error
}
