// Package processor drains the change record queue toward the replica. Each
// record's ancestors are resolved and applied before the record itself, so a
// child is never visible in the replica before its parents.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/queue"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/syncerr"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 10
	defaultRetention   = 7 * 24 * time.Hour
)

const (
	opServiceNew = "sync.queue.new"
	opRun        = "sync.queue.run"
)

var (
	errMissingQueue   = errors.New("queue store is required")
	errMissingGraph   = errors.New("dependency graph is required")
	errMissingPrimary = errors.New("primary source is required")
	errMissingReplica = errors.New("replica store is required")

	// ErrRunActive indicates a run is already in flight; the processor is a
	// single-instance consumer and never overlaps runs.
	ErrRunActive = errors.New("processor: run already active")
	// ErrDepthExceeded indicates ancestor resolution ran past the graph's
	// longest chain, which can only happen under misconfiguration.
	ErrDepthExceeded = errors.New("processor: dependency depth exceeded")
	// ErrMissingParentKey indicates a payload does not name its parent.
	ErrMissingParentKey = errors.New("processor: payload missing parent key")
)

// ReplicaStore is the target-store surface the processor needs.
type ReplicaStore interface {
	Exists(ctx context.Context, entityType entities.EntityType, recordID string) (bool, error)
	Upsert(ctx context.Context, entityType entities.EntityType, recordID string, payload map[string]any) error
}

// PrimarySource supplies current entity state for dependency resolution. The
// primary is the source of truth here: capture may have enqueued only the
// child because only the child's trigger fired.
type PrimarySource interface {
	Fetch(ctx context.Context, entityType entities.EntityType, recordID string) (map[string]any, error)
}

// ServiceConfig configures a queue processor.
type ServiceConfig struct {
	Queue       *queue.Store
	Graph       *entities.Graph
	Primary     PrimarySource
	Replica     ReplicaStore
	BatchSize   int
	MaxAttempts int
	Retention   time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service is the queue processor.
type Service struct {
	queue       *queue.Store
	graph       *entities.Graph
	primary     PrimarySource
	replica     ReplicaStore
	batchSize   int
	maxAttempts int
	retention   time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	running     atomic.Bool
}

// Summary reports the outcome of one processor run.
type Summary struct {
	Synced   int
	Failed   int
	Duration time.Duration
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Queue == nil {
		return nil, syncerr.New(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.Graph == nil {
		return nil, syncerr.New(opServiceNew, "missing_graph", errMissingGraph)
	}
	if cfg.Primary == nil {
		return nil, syncerr.New(opServiceNew, "missing_primary", errMissingPrimary)
	}
	if cfg.Replica == nil {
		return nil, syncerr.New(opServiceNew, "missing_replica", errMissingReplica)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		queue:       cfg.Queue,
		graph:       cfg.Graph,
		primary:     cfg.Primary,
		replica:     cfg.Replica,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		retention:   retention,
		clock:       clock,
		logger:      logger,
	}, nil
}

// RunOnce drains one batch of pending records. A single record's failure
// never aborts the batch; it is counted, recorded against the record's
// attempt budget, and processing moves on. Records are applied in capture
// order per row: after a failure, later records for the same row are
// deferred to the next run, and a record outranked by an already-synced
// capture is retired without touching the replica. Returns ErrRunActive
// when a run is already in flight.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunActive
	}
	defer s.running.Store(false)

	started := s.clock()
	summary := Summary{}

	records, err := s.queue.PendingBatch(ctx, s.batchSize)
	if err != nil {
		return Summary{}, syncerr.New(opRun, "pending_select_failed", err)
	}

	blockedRows := make(map[string]struct{})
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		rowKey := record.EntityType + "/" + record.RecordID
		if _, blocked := blockedRows[rowKey]; blocked {
			// An earlier capture of this row failed in this run. Applying a
			// later one now would let the retry of the earlier record regress
			// the row, so it stays pending and no attempt is charged.
			s.logger.Debug("record deferred behind failed same-row record",
				zap.Uint64("record_id", record.ID),
				zap.String("entity_type", record.EntityType))
			continue
		}
		superseded, err := s.queue.HasNewerSynced(ctx, record.EntityType, record.RecordID, record.ID)
		if err != nil {
			return summary, syncerr.New(opRun, "supersede_check_failed", err)
		}
		if superseded {
			// A later capture of this row already reached the replica, which
			// happens after an operator requeue or a crash between apply and
			// status update. The stale snapshot must not be written.
			if err := s.queue.MarkSynced(ctx, record.ID); err != nil {
				return summary, syncerr.New(opRun, "mark_synced_failed", err)
			}
			summary.Synced++
			continue
		}
		if err := s.processRecord(ctx, record); err != nil {
			blockedRows[rowKey] = struct{}{}
			summary.Failed++
			status, failureErr := s.queue.RecordFailure(ctx, record.ID, err, s.maxAttempts)
			if failureErr != nil {
				s.logger.Error("recording failure state failed",
					zap.Uint64("record_id", record.ID),
					zap.Error(failureErr))
				continue
			}
			s.logger.Warn("change record failed",
				zap.Uint64("record_id", record.ID),
				zap.String("entity_type", record.EntityType),
				zap.String("status", string(status)),
				zap.Error(err))
			continue
		}
		if err := s.queue.MarkSynced(ctx, record.ID); err != nil {
			return summary, syncerr.New(opRun, "mark_synced_failed", err)
		}
		summary.Synced++
	}

	if pruned, err := s.queue.PruneSynced(ctx, s.clock().Add(-s.retention)); err != nil {
		s.logger.Warn("retention prune failed", zap.Error(err))
	} else if pruned > 0 {
		s.logger.Info("pruned synced change records", zap.Int64("count", pruned))
	}

	summary.Duration = s.clock().Sub(started)
	s.logger.Info("queue run complete",
		zap.Int("synced", summary.Synced),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

func (s *Service) processRecord(ctx context.Context, record queue.ChangeRecord) error {
	entityType := entities.EntityType(record.EntityType)
	def, err := s.graph.Definition(entityType)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if err := s.ensureAncestors(ctx, def, payload, 0); err != nil {
		return fmt.Errorf("resolve ancestors: %w", err)
	}

	if err := s.replica.Upsert(ctx, entityType, record.RecordID, payload); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", entityType, record.RecordID, err)
	}
	return nil
}

// ensureAncestors walks the dependency chain upward and applies every
// missing ancestor to the replica, parents before children. Depth is capped
// at the graph's longest chain to guard against cyclic misconfiguration.
func (s *Service) ensureAncestors(ctx context.Context, def entities.Definition, payload map[string]any, depth int) error {
	parentDef, hasParent, err := s.graph.Parent(def.Type)
	if err != nil {
		return err
	}
	if !hasParent {
		return nil
	}
	if depth >= s.graph.MaxDepth() {
		return fmt.Errorf("%w: %s at depth %d", ErrDepthExceeded, def.Type, depth)
	}

	parentID, ok := keyString(payload[def.ParentKeyField])
	if !ok {
		return fmt.Errorf("%w: %s field %q", ErrMissingParentKey, def.Type, def.ParentKeyField)
	}

	exists, err := s.replica.Exists(ctx, parentDef.Type, parentID)
	if err != nil {
		return fmt.Errorf("check %s/%s: %w", parentDef.Type, parentID, err)
	}
	if exists {
		return nil
	}

	parentPayload, err := s.primary.Fetch(ctx, parentDef.Type, parentID)
	if err != nil {
		return fmt.Errorf("fetch %s/%s: %w", parentDef.Type, parentID, err)
	}
	if err := s.ensureAncestors(ctx, parentDef, parentPayload, depth+1); err != nil {
		return err
	}
	if err := s.replica.Upsert(ctx, parentDef.Type, parentID, parentPayload); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", parentDef.Type, parentID, err)
	}
	return nil
}

// Start runs the processor on a fixed interval until the context ends.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunActive) {
				s.logger.Error("scheduled queue run failed", zap.Error(err))
			}
		}
	}
}

// keyString renders a payload key value as a stable string identifier.
// Numeric keys survive the JSON round-trip as float64.
func keyString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return "", false
		}
		return typed, true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case int:
		return strconv.Itoa(typed), true
	case json.Number:
		return typed.String(), true
	default:
		return "", false
	}
}
