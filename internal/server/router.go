// Package server exposes the operator HTTP API: health, metrics, statistics, audit control
// and a live stream of moderation decisions.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/audit"
	"github.com/MarcoPoloResearchLab/gifguard/internal/auth"
	"github.com/MarcoPoloResearchLab/gifguard/internal/commands"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	operatorContextKey       = "gifguard_operator_id"
	defaultHeartbeatInterval = 25 * time.Second
	defaultLeaderboardLimit  = 10
)

var (
	errMissingStore         = errors.New("store dependency required")
	errMissingAudits        = errors.New("audit manager dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingOwners        = errors.New("owner lookup dependency required")
	errMissingDecisionFeed  = errors.New("decision feed dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Store is the subset of the moderation store the API reads.
type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userID string) (store.User, error)
	Top(ctx context.Context, counter store.Counter, limit int) ([]store.User, error)
	Rank(ctx context.Context, counter store.Counter, userID string) (int64, error)
}

// Audits controls reconciliation jobs.
type Audits interface {
	Start(kind audit.Kind, invokerID, channelID string) (audit.Job, error)
	Cancel(id string) error
	List() []audit.Job
}

// TokenManager validates operator bearer tokens.
type TokenManager interface {
	ValidateRequest(r *http.Request) (string, error)
}

// OwnerLookup reports whether a user id belongs to a bot owner.
type OwnerLookup interface {
	IsOwner(userID string) bool
}

type Dependencies struct {
	Store          Store
	Audits         Audits
	TokenManager   TokenManager
	Owners         OwnerLookup
	Feed           *DecisionFeed
	Logger         *zap.Logger
	AllowedOrigins []string
	Heartbeat      time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Audits == nil {
		return nil, errMissingAudits
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Owners == nil {
		return nil, errMissingOwners
	}
	if deps.Feed == nil {
		return nil, errMissingDecisionFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:     deps.Store,
		audits:    deps.Audits,
		tokens:    deps.TokenManager,
		owners:    deps.Owners,
		feed:      deps.Feed,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/leaderboard", handler.handleLeaderboard)
	router.GET("/users/:id/stats", handler.handleUserStats)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/audits", handler.handleListAudits)
	protected.POST("/audits/:kind", handler.requireOwner, handler.handleStartAudit)
	protected.DELETE("/audits/:id", handler.requireOwner, handler.handleCancelAudit)
	protected.GET("/moderation/stream", handler.handleModerationStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	store     Store
	audits    Audits
	tokens    TokenManager
	owners    OwnerLookup
	feed      *DecisionFeed
	logger    *zap.Logger
	heartbeat time.Duration
}

type leaderboardEntryPayload struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Value       uint64 `json:"value"`
}

type userStatsPayload struct {
	UserID          string `json:"userId"`
	DisplayName     string `json:"displayName"`
	MessagesSent    uint64 `json:"messagesSent"`
	MessagesDeleted uint64 `json:"messagesDeleted"`
	SentRank        int64  `json:"sentRank"`
	DeletedRank     int64  `json:"deletedRank"`
	FilterOptIn     bool   `json:"filterOptIn"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	counter, ok := store.ParseCounter(strings.ToLower(strings.TrimSpace(c.Query("type"))))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type"})
		return
	}
	limit := defaultLeaderboardLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	users, err := h.store.Top(c.Request.Context(), counter, commands.ClampLeaderboardSize(limit))
	if err != nil {
		h.logger.Error("failed to load leaderboard", zap.String("counter", string(counter)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leaderboard_failed"})
		return
	}
	entries := make([]leaderboardEntryPayload, 0, len(users))
	for index, user := range users {
		entries = append(entries, leaderboardEntryPayload{
			Rank:        index + 1,
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			Value:       counter.Value(user),
		})
	}
	c.JSON(http.StatusOK, gin.H{"type": counter, "entries": entries})
}

func (h *httpHandler) handleUserStats(c *gin.Context) {
	ctx := c.Request.Context()
	userID := strings.TrimSpace(c.Param("id"))
	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.writeStoreError(c, "failed to load user", err)
		return
	}
	sentRank, err := h.store.Rank(ctx, store.CounterSent, userID)
	if err != nil {
		h.writeStoreError(c, "failed to rank user", err)
		return
	}
	deletedRank, err := h.store.Rank(ctx, store.CounterDeleted, userID)
	if err != nil {
		h.writeStoreError(c, "failed to rank user", err)
		return
	}
	c.JSON(http.StatusOK, userStatsPayload{
		UserID:          user.ID,
		DisplayName:     user.DisplayName,
		MessagesSent:    user.MessagesSent,
		MessagesDeleted: user.MessagesDeleted,
		SentRank:        sentRank,
		DeletedRank:     deletedRank,
		FilterOptIn:     user.FilterOptIn,
	})
}

func (h *httpHandler) handleListAudits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.audits.List()})
}

func (h *httpHandler) handleStartAudit(c *gin.Context) {
	kind, ok := audit.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_kind"})
		return
	}
	job, err := h.audits.Start(kind, c.GetString(operatorContextKey), strings.TrimSpace(c.Query("channel")))
	switch {
	case errors.Is(err, audit.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "already_running", "job": job})
	case err != nil:
		h.logger.Error("failed to start audit", zap.String("kind", string(kind)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_failed"})
	default:
		h.logger.Info("audit started over http", zap.String("job_id", job.ID), zap.String("operator", job.InvokerID))
		c.JSON(http.StatusAccepted, job)
	}
}

func (h *httpHandler) handleCancelAudit(c *gin.Context) {
	err := h.audits.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case err != nil:
		h.logger.Error("failed to cancel audit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleModerationStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx, strings.TrimSpace(c.Query("guild")))
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": time.Now().UTC().Unix()})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case decision, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventDecision, decision)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": tick.UTC().Unix()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(operatorContextKey, subject)
	c.Next()
}

func (h *httpHandler) requireOwner(c *gin.Context) {
	if !h.owners.IsOwner(c.GetString(operatorContextKey)) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "owner_required"})
		return
	}
	c.Next()
}

func (h *httpHandler) writeStoreError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case errors.Is(err, store.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
}
