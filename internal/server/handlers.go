package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/poller"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/processor"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/queue"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/syncerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type webhookRequestPayload struct {
	Table     string         `json:"table"`
	Operation string         `json:"operation"`
	Record    map[string]any `json:"record"`
}

type runSummaryPayload struct {
	Synced     int   `json:"synced"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

// handleReplicaWebhook ingests one push-notified replica change. The apply
// goes through the same value-aware primary path as the reverse poller, so
// the two delivery paths can overlap safely. Processing failures still
// acknowledge with 200: the poller's trailing cursor is the retry mechanism.
func (h *httpHandler) handleReplicaWebhook(c *gin.Context) {
	var request webhookRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	entityType := entities.EntityType(strings.TrimSpace(request.Table))
	if !h.graph.Contains(entityType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return
	}

	switch strings.ToUpper(strings.TrimSpace(request.Operation)) {
	case "INSERT", "UPDATE":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}

	if len(request.Record) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_record"})
		return
	}

	def, err := h.graph.Definition(entityType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return
	}
	recordID, ok := recordKeyString(request.Record[def.KeyField])
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_record_key"})
		return
	}

	changed, err := h.writer.Apply(c.Request.Context(), entityType, recordID, request.Record)
	if err != nil {
		h.logger.Error("webhook apply failed",
			zap.String("entity_type", entityType.String()),
			zap.String("record_id", recordID),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "accepted", "applied": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "applied": changed})
}

func (h *httpHandler) handleQueueRun(c *gin.Context) {
	summary, err := h.queue.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, processor.ErrRunActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "run_active"})
			return
		}
		h.logger.Error("manual queue run failed", zap.String("code", errorCode(err)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed"})
		return
	}

	c.JSON(http.StatusOK, runSummaryPayload{
		Synced:     summary.Synced,
		Failed:     summary.Failed,
		DurationMs: summary.Duration.Milliseconds(),
	})
}

func (h *httpHandler) handlePollerRun(c *gin.Context) {
	summary, err := h.poller.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, poller.ErrRunActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "run_active"})
			return
		}
		h.logger.Error("manual poll run failed", zap.String("code", errorCode(err)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed"})
		return
	}

	c.JSON(http.StatusOK, runSummaryPayload{
		Synced:     summary.Applied,
		Failed:     summary.Failed,
		DurationMs: summary.Duration.Milliseconds(),
	})
}

type statusStreamPayload struct {
	Stream          string `json:"stream"`
	LastSyncedAtSec int64  `json:"last_synced_at_s"`
}

type statusEntityPayload struct {
	EntityType string `json:"entity_type"`
	Pending    int64  `json:"pending"`
	Failed     int64  `json:"failed"`
	Synced     int64  `json:"synced"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	counts, err := h.records.StatusCounts(c.Request.Context())
	if err != nil {
		h.logger.Error("status counts query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}

	byEntity := make(map[string]*statusEntityPayload)
	for _, count := range counts {
		entry, ok := byEntity[count.EntityType]
		if !ok {
			entry = &statusEntityPayload{EntityType: count.EntityType}
			byEntity[count.EntityType] = entry
		}
		switch count.Status {
		case queue.StatusPending:
			entry.Pending = count.Count
		case queue.StatusFailed:
			entry.Failed = count.Count
		case queue.StatusSynced:
			entry.Synced = count.Count
		}
	}

	// Every graph entity appears, zero counts included, in name order.
	types := h.graph.Types()
	entityPayloads := make([]statusEntityPayload, 0, len(types))
	for _, entityType := range types {
		entry, ok := byEntity[entityType.String()]
		if !ok {
			entry = &statusEntityPayload{EntityType: entityType.String()}
		}
		entityPayloads = append(entityPayloads, *entry)
	}

	cursors, err := h.cursors.All(c.Request.Context())
	if err != nil {
		h.logger.Error("cursor query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	streamPayloads := make([]statusStreamPayload, 0, len(cursors))
	for _, streamCursor := range cursors {
		streamPayloads = append(streamPayloads, statusStreamPayload{
			Stream:          streamCursor.StreamName,
			LastSyncedAtSec: streamCursor.LastSyncedAtSeconds,
		})
	}

	c.JSON(http.StatusOK, gin.H{"queue": entityPayloads, "cursors": streamPayloads})
}

func (h *httpHandler) handleRequeue(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}

	err = h.records.Requeue(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "requeued"})
	case errors.Is(err, queue.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
	case errors.Is(err, queue.ErrRecordNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "record_not_failed"})
	default:
		h.logger.Error("requeue failed", zap.Uint64("record_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue_failed"})
	}
}

// errorCode extracts the operation code from service errors for log search.
func errorCode(err error) string {
	var serviceErr *syncerr.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return "internal"
}

// recordKeyString renders the webhook record's key value; numbers arrive as
// float64 after JSON decoding.
func recordKeyString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed, trimmed != ""
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	default:
		return "", false
	}
}
