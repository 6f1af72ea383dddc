package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/cursor"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/poller"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/processor"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/queue"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const peerContextKey = "syncbridge_peer"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingQueueRunner    = errors.New("queue runner dependency required")
	errMissingPollerRunner   = errors.New("poller runner dependency required")
	errMissingWriter         = errors.New("primary writer dependency required")
	errMissingQueueStore     = errors.New("queue store dependency required")
	errMissingCursorStore    = errors.New("cursor store dependency required")
	errMissingGraph          = errors.New("dependency graph required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the peer name.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// QueueRunner triggers one queue processor run.
type QueueRunner interface {
	RunOnce(ctx context.Context) (processor.Summary, error)
}

// PollerRunner triggers one reverse poll cycle.
type PollerRunner interface {
	RunOnce(ctx context.Context) (poller.Summary, error)
}

// PrimaryWriter applies a webhook-delivered row to the primary store.
type PrimaryWriter interface {
	Apply(ctx context.Context, entityType entities.EntityType, recordID string, payload map[string]any) (bool, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenValidator TokenValidator
	QueueRunner    QueueRunner
	PollerRunner   PollerRunner
	Writer         PrimaryWriter
	QueueStore     *queue.Store
	CursorStore    *cursor.Store
	Graph          *entities.Graph
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.QueueRunner == nil {
		return nil, errMissingQueueRunner
	}
	if deps.PollerRunner == nil {
		return nil, errMissingPollerRunner
	}
	if deps.Writer == nil {
		return nil, errMissingWriter
	}
	if deps.QueueStore == nil {
		return nil, errMissingQueueStore
	}
	if deps.CursorStore == nil {
		return nil, errMissingCursorStore
	}
	if deps.Graph == nil {
		return nil, errMissingGraph
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenValidator,
		queue:   deps.QueueRunner,
		poller:  deps.PollerRunner,
		writer:  deps.Writer,
		records: deps.QueueStore,
		cursors: deps.CursorStore,
		graph:   deps.Graph,
		logger:  logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/webhooks/replica", handler.handleReplicaWebhook)
	protected.POST("/ops/queue/run", handler.handleQueueRun)
	protected.POST("/ops/poller/run", handler.handlePollerRun)
	protected.GET("/ops/status", handler.handleStatus)
	protected.POST("/ops/records/:id/requeue", handler.handleRequeue)

	return router, nil
}

type httpHandler struct {
	tokens  TokenValidator
	queue   QueueRunner
	poller  PollerRunner
	writer  PrimaryWriter
	records *queue.Store
	cursors *cursor.Store
	graph   *entities.Graph
	logger  *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	peer, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(peerContextKey, peer)
	c.Next()
}
