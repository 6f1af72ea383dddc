// Package capture is the trigger-equivalent change observing layer for the
// primary store. The recorder runs inside the same transaction as the write
// it observes, compares prior and new values over the entity's synced
// columns, and appends a pending change record only when something actually
// changed. That diff is the principal loop-prevention mechanism in the
// primary-to-replica direction.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/guard"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingQueue = errors.New("queue store is required")
	errMissingGraph = errors.New("dependency graph is required")
)

// Predicate optionally vetoes capture for a snapshot that passed the value
// diff. It generalizes business rules of the form "rows tagged X sync one
// way only": the predicate inspects the projected snapshot, never raw rows.
type Predicate func(entityType entities.EntityType, snapshot map[string]any) bool

// RecorderConfig configures a change capture recorder.
type RecorderConfig struct {
	Queue     *queue.Store
	Graph     *entities.Graph
	Predicate Predicate
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Recorder appends change records for observed primary writes.
type Recorder struct {
	queue     *queue.Store
	graph     *entities.Graph
	predicate Predicate
	clock     func() time.Time
	logger    *zap.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Graph == nil {
		return nil, errMissingGraph
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		queue:     cfg.Queue,
		graph:     cfg.Graph,
		predicate: cfg.Predicate,
		clock:     clock,
		logger:    logger,
	}, nil
}

// RecordWrite observes one committed-to-be write. prior is nil for a fresh
// insert. The snapshot enqueued toward the replica carries only the entity's
// synced columns. Returns whether a record was enqueued. Must be called with
// the transaction wrapping the observed write so both commit or roll back
// together.
func (r *Recorder) RecordWrite(tx *gorm.DB, entityType entities.EntityType, recordID string, prior, next map[string]any) (bool, error) {
	def, err := r.graph.Definition(entityType)
	if err != nil {
		return false, err
	}

	snapshot := guard.Project(next, def.SyncedFields)
	operation := queue.OperationInsert
	if prior != nil {
		operation = queue.OperationUpdate
		priorSnapshot := guard.Project(prior, def.SyncedFields)
		if !guard.ShouldPropagate(priorSnapshot, snapshot) {
			r.logger.Debug("capture suppressed value-equal write",
				zap.String("entity_type", entityType.String()),
				zap.String("record_id", recordID))
			return false, nil
		}
	}

	if r.predicate != nil && !r.predicate(entityType, snapshot) {
		r.logger.Debug("capture filtered by predicate",
			zap.String("entity_type", entityType.String()),
			zap.String("record_id", recordID))
		return false, nil
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("capture: marshal snapshot: %w", err)
	}

	record := queue.ChangeRecord{
		EntityType:       entityType.String(),
		RecordID:         recordID,
		Operation:        operation,
		PayloadJSON:      string(payload),
		CreatedAtSeconds: r.clock().UTC().Unix(),
	}
	if err := r.queue.Append(tx, &record); err != nil {
		return false, err
	}
	return true, nil
}
