package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/tesseralab/tessera/backend/internal/auth"
	"github.com/tesseralab/tessera/backend/internal/canvas"
	"github.com/tesseralab/tessera/backend/internal/cluster"
	"github.com/tesseralab/tessera/backend/internal/realtime"
	"github.com/tesseralab/tessera/backend/internal/store"
	"github.com/tesseralab/tessera/backend/internal/transport"
)

const (
	grantContextKey = "tessera_grant"

	// Origin tag for envelopes the backend itself authors, such as the
	// bulk-cluster layout. Clients never suppress it as an echo.
	realtimeSourceBackend = "tessera-backend"
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStore         = errors.New("store service dependency required")
	errMissingClusterEngine = errors.New("cluster engine dependency required")
	errMissingBroadcaster   = errors.New("broadcaster dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates participant access tokens.
type TokenManager interface {
	IssueParticipantToken(ctx context.Context, participant canvas.Participant) (string, int64, error)
	ValidateToken(token string) (auth.Grant, error)
}

type Dependencies struct {
	TokenManager  TokenManager
	Store         *store.Service
	ClusterEngine *cluster.Engine
	Broadcaster   *transport.Broadcaster
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.ClusterEngine == nil {
		return nil, errMissingClusterEngine
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		store:       deps.Store,
		clusters:    deps.ClusterEngine,
		broadcaster: deps.Broadcaster,
		logger:      logger,
	}

	router.POST("/sessions", handler.handleCreateSession)
	router.POST("/sessions/:id/join", handler.handleJoinSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sessions/:id", handler.handleGetSession)
	protected.GET("/sessions/:id/cards", handler.handleListCards)
	protected.GET("/sessions/:id/elements", handler.handleListElements)
	protected.POST("/sessions/:id/cluster", handler.handleCluster)
	protected.DELETE("/sessions/:id", handler.handleDeleteSession)
	protected.GET("/sessions/:id/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	store       *store.Service
	clusters    *cluster.Engine
	broadcaster *transport.Broadcaster
	logger      *zap.Logger
}

type createSessionPayload struct {
	Name       string `json:"name"`
	UserID     string `json:"user_id"`
	ExpiresAtS *int64 `json:"expires_at_s"`
}

type joinSessionPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Name) == "" || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, err := h.store.CreateSession(c.Request.Context(), request.Name, request.UserID, request.ExpiresAtS)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_create_failed"})
		return
	}

	participant := canvas.Participant{SessionID: session.ID, UserID: request.UserID, Role: canvas.RoleCreator}
	token, expiresIn, err := h.tokens.IssueParticipantToken(c.Request.Context(), participant)
	if err != nil {
		h.logger.Error("failed to issue participant token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": session,
		"token": tokenResponsePayload{
			SessionID:   session.ID,
			UserID:      request.UserID,
			Role:        string(canvas.RoleCreator),
			AccessToken: token,
			ExpiresIn:   expiresIn,
			TokenType:   "Bearer",
		},
	})
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	sessionID := c.Param("id")

	var request joinSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	participant, err := h.store.JoinSession(c.Request.Context(), sessionID, request.UserID)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	case errors.Is(err, store.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": "session_expired"})
		return
	case err != nil:
		h.logger.Error("failed to join session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_join_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueParticipantToken(c.Request.Context(), participant)
	if err != nil {
		h.logger.Error("failed to issue participant token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		SessionID:   participant.SessionID,
		UserID:      participant.UserID,
		Role:        string(participant.Role),
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *httpHandler) handleListCards(c *gin.Context) {
	grant := grantFrom(c)
	cards, err := h.store.ListCards(c.Request.Context(), grant.SessionID)
	if err != nil {
		h.logger.Error("failed to list cards", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cards": cards})
}

func (h *httpHandler) handleListElements(c *gin.Context) {
	grant := grantFrom(c)
	elements, err := h.store.ListElements(c.Request.Context(), grant.SessionID)
	if err != nil {
		h.logger.Error("failed to list elements", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"elements": elements})
}

type clusterRequestPayload struct {
	ClusterCount int `json:"cluster_count"`
}

func (h *httpHandler) handleCluster(c *gin.Context) {
	grant := grantFrom(c)
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	if !canvas.CanMutate(session, grant.Role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "session_locked"})
		return
	}

	var request clusterRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	vectors, err := h.store.EmbeddedVectors(c.Request.Context(), grant.SessionID)
	if err != nil {
		h.logger.Error("failed to load embeddings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cluster_failed"})
		return
	}

	result, err := h.clusters.Cluster(vectors, request.ClusterCount)
	if errors.Is(err, cluster.ErrNotEnoughEmbeddings) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "not_enough_content"})
		return
	}
	if err != nil {
		h.logger.Error("clustering failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cluster_failed"})
		return
	}

	envelope := realtime.Envelope{
		Kind:      realtime.KindBulkCluster,
		OriginID:  realtimeSourceBackend,
		SessionID: grant.SessionID,
		Positions: result.Positions,
	}
	if err := h.store.ApplyEnvelope(c.Request.Context(), envelope); err != nil {
		h.logger.Error("failed to persist cluster layout", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cluster_failed"})
		return
	}
	h.broadcast(c.Request.Context(), grant.SessionID, envelope)

	c.JSON(http.StatusOK, gin.H{
		"cluster_count": result.ClusterCount,
		"positions":     result.Positions,
	})
}

func (h *httpHandler) handleDeleteSession(c *gin.Context) {
	grant := grantFrom(c)
	if !canvas.CanDeleteSession(grant.Role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := h.store.DeleteSession(c.Request.Context(), grant.SessionID); err != nil {
		h.logger.Error("failed to delete session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// broadcast fans one backend-authored envelope out to every live subscriber
// of the session channel through a short-lived subscription.
func (h *httpHandler) broadcast(ctx context.Context, sessionID string, envelope realtime.Envelope) {
	payload, err := envelope.Encode()
	if err != nil {
		h.logger.Error("failed to encode broadcast envelope", zap.Error(err))
		return
	}
	subscription, err := h.broadcaster.Subscribe(ctx, sessionID)
	if err != nil {
		h.logger.Error("failed to open broadcast subscription", zap.Error(err))
		return
	}
	defer subscription.Close()
	if err := subscription.Publish(payload); err != nil {
		h.logger.Error("failed to publish broadcast envelope", zap.Error(err))
	}
}

func (h *httpHandler) loadSession(c *gin.Context) (canvas.Session, bool) {
	grant := grantFrom(c)
	session, err := h.store.GetSession(c.Request.Context(), grant.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return canvas.Session{}, false
	}
	if err != nil {
		h.logger.Error("failed to load session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_load_failed"})
		return canvas.Session{}, false
	}
	return session, true
}

// authorizeRequest validates the bearer token and pins the grant to the
// session named in the path. Websocket clients cannot set headers from the
// browser API, so an access_token query parameter is accepted as a fallback.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	grant, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if grant.SessionID != c.Param("id") {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session_mismatch"})
		return
	}
	c.Set(grantContextKey, grant)
	c.Next()
}

func grantFrom(c *gin.Context) auth.Grant {
	value, _ := c.Get(grantContextKey)
	grant, _ := value.(auth.Grant)
	return grant
}
