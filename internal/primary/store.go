// Package primary adapts the primary transactional store for the sync
// engine. Synced entities are held as opaque JSON rows keyed by entity type
// and natural record id; the engine never learns the business schema beyond
// the columns the dependency graph names.
package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/capture"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/guard"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingGraph    = errors.New("dependency graph is required")
	errMissingCapture  = errors.New("capture recorder is required")
	// ErrRowNotFound indicates the requested entity row does not exist.
	ErrRowNotFound = errors.New("primary: entity row not found")
)

// EntityRow is one synced row in the primary store, payload kept opaque.
type EntityRow struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRow) TableName() string {
	return "entity_rows"
}

// StoreConfig configures a primary store adapter.
type StoreConfig struct {
	Database *gorm.DB
	Graph    *entities.Graph
	Capture  *capture.Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes synced entity rows. Apply is the single write path
// for both local business writes and replica-originated deliveries: a
// value-equal payload is a no-op, and when values do change the capture
// recorder observes the write inside the same transaction, exactly as a
// store-native trigger would.
type Store struct {
	db      *gorm.DB
	graph   *entities.Graph
	capture *capture.Recorder
	clock   func() time.Time
	logger  *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Graph == nil {
		return nil, errMissingGraph
	}
	if cfg.Capture == nil {
		return nil, errMissingCapture
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      cfg.Database,
		graph:   cfg.Graph,
		capture: cfg.Capture,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Fetch returns the row's current synced-column payload. Dependency
// resolution treats the primary as the source of truth, so this is what the
// queue processor reads when a parent is missing from the replica.
func (s *Store) Fetch(ctx context.Context, entityType entities.EntityType, recordID string) (map[string]any, error) {
	def, err := s.graph.Definition(entityType)
	if err != nil {
		return nil, err
	}

	var row EntityRow
	err = s.db.WithContext(ctx).
		Take(&row, "entity_type = ? AND record_id = ?", entityType.String(), recordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRowNotFound, entityType, recordID)
	}
	if err != nil {
		return nil, err
	}

	payload, err := decodePayload(row.PayloadJSON)
	if err != nil {
		return nil, err
	}
	return guard.Project(payload, def.SyncedFields), nil
}

// Apply upserts the payload under the row's natural key. The write is
// value-equal-aware: when the stored synced columns already match, nothing is
// written and capture never fires, which keeps replica-originated replays
// quiet. Returns whether the row changed.
func (s *Store) Apply(ctx context.Context, entityType entities.EntityType, recordID string, payload map[string]any) (bool, error) {
	def, err := s.graph.Definition(entityType)
	if err != nil {
		return false, err
	}
	snapshot := guard.Project(payload, def.SyncedFields)

	changed := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing EntityRow
		var prior map[string]any
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&existing, "entity_type = ? AND record_id = ?", entityType.String(), recordID).Error
		if err == nil {
			prior, err = decodePayload(existing.PayloadJSON)
			if err != nil {
				return err
			}
			if !guard.ShouldPropagate(guard.Project(prior, def.SyncedFields), snapshot) {
				return nil
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		merged := mergePayload(prior, snapshot)
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("primary: marshal payload: %w", err)
		}

		row := EntityRow{
			EntityType:       entityType.String(),
			RecordID:         recordID,
			PayloadJSON:      string(encoded),
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload_json", "updated_at_s"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		if _, err := s.capture.RecordWrite(tx, entityType, recordID, prior, merged); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return changed, nil
}

// mergePayload overlays the incoming synced columns on the stored payload so
// a partial delivery never erases columns it did not carry.
func mergePayload(prior, snapshot map[string]any) map[string]any {
	merged := make(map[string]any, len(prior)+len(snapshot))
	for field, value := range prior {
		merged[field] = value
	}
	for field, value := range snapshot {
		merged[field] = value
	}
	return merged
}

func decodePayload(raw string) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("primary: decode payload: %w", err)
	}
	return payload, nil
}
