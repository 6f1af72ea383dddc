// Package poller is the reverse-direction catch-up path. Webhooks deliver
// replica changes in near real time; the poller sweeps each reverse stream
// on an interval and after startup, so rows missed during an outage are
// still applied. The two paths are safe to overlap because the primary
// write path treats value-equal payloads as no-ops.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/cursor"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/replica"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/syncerr"
	"go.uber.org/zap"
)

const (
	defaultMaxRecords = 500
	defaultLookback   = 24 * time.Hour
)

const (
	opServiceNew = "sync.poller.new"
	opRun        = "sync.poller.run"
)

var (
	errMissingCursors = errors.New("cursor store is required")
	errMissingFeed    = errors.New("replica feed is required")
	errMissingWriter  = errors.New("primary writer is required")
	errNoStreams      = errors.New("at least one stream is required")

	// ErrRunActive indicates a poll is already in flight.
	ErrRunActive = errors.New("poller: run already active")
)

// ReplicaFeed supplies rows changed since a watermark.
type ReplicaFeed interface {
	ChangedSince(ctx context.Context, stream string, sinceSeconds int64, limit int) ([]replica.ChangedRow, error)
}

// PrimaryWriter applies replica rows to the primary store. The write must be
// value-equal-aware so re-applied rows stay quiet.
type PrimaryWriter interface {
	Apply(ctx context.Context, entityType entities.EntityType, recordID string, payload map[string]any) (bool, error)
}

// Stream names one reverse change feed and the entity type its rows carry.
// There is one cursor per stream, not per entity instance.
type Stream struct {
	Name       string
	EntityType entities.EntityType
}

// ServiceConfig configures a reverse poller.
type ServiceConfig struct {
	Cursors    *cursor.Store
	Feed       ReplicaFeed
	Writer     PrimaryWriter
	Streams    []Stream
	MaxRecords int
	Lookback   time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service is the reverse poller.
type Service struct {
	cursors    *cursor.Store
	feed       ReplicaFeed
	writer     PrimaryWriter
	streams    []Stream
	maxRecords int
	lookback   time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	running    atomic.Bool
}

// Summary reports the outcome of one poll cycle across all streams.
type Summary struct {
	Applied  int
	Failed   int
	Duration time.Duration
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Cursors == nil {
		return nil, syncerr.New(opServiceNew, "missing_cursors", errMissingCursors)
	}
	if cfg.Feed == nil {
		return nil, syncerr.New(opServiceNew, "missing_feed", errMissingFeed)
	}
	if cfg.Writer == nil {
		return nil, syncerr.New(opServiceNew, "missing_writer", errMissingWriter)
	}
	if len(cfg.Streams) == 0 {
		return nil, syncerr.New(opServiceNew, "missing_streams", errNoStreams)
	}

	maxRecords := cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
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
		cursors:    cfg.Cursors,
		feed:       cfg.Feed,
		writer:     cfg.Writer,
		streams:    cfg.Streams,
		maxRecords: maxRecords,
		lookback:   lookback,
		clock:      clock,
		logger:     logger,
	}, nil
}

// RunOnce polls every stream once. Rows are applied individually before the
// cursor advances, and the advance is the last operation of the stream's
// cycle, so a crash mid-batch re-delivers rather than loses rows.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunActive
	}
	defer s.running.Store(false)

	started := s.clock()
	summary := Summary{}

	for _, stream := range s.streams {
		if ctx.Err() != nil {
			break
		}
		applied, failed, err := s.pollStream(ctx, stream)
		summary.Applied += applied
		summary.Failed += failed
		if err != nil {
			s.logger.Error("stream poll failed",
				zap.String("stream", stream.Name),
				zap.Error(err))
		}
	}

	summary.Duration = s.clock().Sub(started)
	s.logger.Info("reverse poll complete",
		zap.Int("applied", summary.Applied),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

func (s *Service) pollStream(ctx context.Context, stream Stream) (int, int, error) {
	since, err := s.cursors.Get(ctx, stream.Name, s.clock().Add(-s.lookback))
	if err != nil {
		return 0, 0, syncerr.New(opRun, "cursor_read_failed", err)
	}

	rows, err := s.feed.ChangedSince(ctx, stream.Name, since, s.maxRecords)
	if err != nil {
		return 0, 0, syncerr.New(opRun, "feed_fetch_failed", err)
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	// The partial cursor advance below assumes timestamp order; the feed
	// promises oldest-first, but the wire is not trusted with the invariant.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].UpdatedAtSeconds < rows[j].UpdatedAtSeconds
	})

	applied := 0
	maxSeen := since
	for _, row := range rows {
		if _, err := s.writer.Apply(ctx, stream.EntityType, row.RecordID, row.Payload); err != nil {
			// Stop the stream here: advancing past a failed row would lose
			// it, and its updatedAt still trails the cursor for next time.
			s.advanceCursor(ctx, stream.Name, maxSeen, since)
			return applied, 1, syncerr.New(opRun, "apply_failed", err)
		}
		applied++
		if row.UpdatedAtSeconds > maxSeen {
			maxSeen = row.UpdatedAtSeconds
		}
	}

	s.advanceCursor(ctx, stream.Name, maxSeen, since)
	return applied, 0, nil
}

func (s *Service) advanceCursor(ctx context.Context, streamName string, maxSeen, since int64) {
	if maxSeen <= since {
		return
	}
	if err := s.cursors.Advance(ctx, streamName, maxSeen); err != nil {
		s.logger.Error("cursor advance failed",
			zap.String("stream", streamName),
			zap.Error(err))
	}
}

// Start runs one catch-up poll immediately, covering any outage since the
// last shutdown, then polls on the given interval until the context ends.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunActive) {
		s.logger.Error("startup poll failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunActive) {
				s.logger.Error("scheduled poll failed", zap.Error(err))
			}
		}
	}
}

// DefaultStreams lists the reverse feeds of the reference deployment:
// portal-editable notes and batch edits.
func DefaultStreams() []Stream {
	return []Stream{
		{Name: "replica-notes", EntityType: entities.EntityNote},
		{Name: "replica-batches", EntityType: entities.EntityBatch},
	}
}
