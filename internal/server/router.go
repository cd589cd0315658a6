package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/parchmentlabs/roomkit/internal/auth"
	"github.com/parchmentlabs/roomkit/internal/block"
	"github.com/parchmentlabs/roomkit/internal/presence"
	"github.com/parchmentlabs/roomkit/internal/replication"
	"github.com/parchmentlabs/roomkit/internal/store"
	"github.com/parchmentlabs/roomkit/internal/users"
)

const (
	userIDContextKey      = "roomkit_user_id"
	displayNameContextKey = "roomkit_display_name"
	viewOnlyContextKey    = "roomkit_view_only"

	defaultPresenceTTL = 12 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingStore            = errors.New("room store dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionAuthenticator validates upstream identity cookies.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// RoomTokenManager issues and validates room access tokens.
type RoomTokenManager interface {
	IssueRoomToken(ctx context.Context, subject, displayName string, viewOnly bool) (string, int64, error)
	ValidateToken(token string) (auth.RoomClaims, error)
}

// ProfileResolver maps identity claims onto collaborator profiles.
type ProfileResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

type Dependencies struct {
	Sessions    SessionAuthenticator
	Tokens      RoomTokenManager
	Profiles    ProfileResolver
	Store       *store.Service
	PresenceTTL time.Duration
	Logger      *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	presenceTTL := deps.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:    deps.Sessions,
		tokens:      deps.Tokens,
		profiles:    deps.Profiles,
		store:       deps.Store,
		presenceTTL: presenceTTL,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	rooms := router.Group("/rooms/:roomID")
	rooms.Use(handler.authorizeRequest)
	rooms.GET("", handler.handleGetDocument)
	rooms.PUT("", handler.handlePutDocument)
	rooms.GET("/presence", handler.handleListPresence)
	rooms.PUT("/presence", handler.handlePutPresence)
	rooms.GET("/stream", handler.handleStream)
	rooms.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	sessions    SessionAuthenticator
	tokens      RoomTokenManager
	profiles    ProfileResolver
	store       *store.Service
	presenceTTL time.Duration
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	ViewOnly bool `json:"view_only"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	ViewOnly    bool   `json:"view_only"`
}

// handleTokenExchange trades a validated identity session for a room-scoped
// bearer token. A view_only request downgrades the token permanently; there
// is no upgrade path short of requesting a fresh token.
func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request tokenRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	profile, err := h.profiles.ResolveProfile(claims)
	if err != nil {
		h.logger.Error("profile resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueRoomToken(c.Request.Context(), profile.UserID, profile.DisplayName, request.ViewOnly)
	if err != nil {
		h.logger.Error("failed to issue room token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		Color:       profile.Color,
		ViewOnly:    request.ViewOnly,
	})
}

type documentPayload struct {
	RoomID      string          `json:"room_id"`
	Exists      bool            `json:"exists"`
	Blocks      block.Document  `json:"blocks"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	WriterID    string          `json:"writer_id,omitempty"`
	WrittenAtMS int64           `json:"written_at_ms,omitempty"`
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	roomID, ok := h.roomIDFromPath(c)
	if !ok {
		return
	}

	snapshot, found, err := h.store.LoadSnapshot(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("failed to load room document", zap.Error(err), zap.String("room", string(roomID)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}

	payload := documentPayload{
		RoomID: string(roomID),
		Exists: found,
		Blocks: block.Document{},
	}
	if found {
		payload.Blocks = snapshot.Document
		payload.Metadata = snapshot.Metadata
		payload.WriterID = string(snapshot.WriterID)
		payload.WrittenAtMS = snapshot.WrittenAt.UnixMilli()
	}
	c.JSON(http.StatusOK, payload)
}

type putDocumentPayload struct {
	ClientID string          `json:"client_id"`
	Blocks   []block.Block   `json:"blocks"`
	Metadata json.RawMessage `json:"metadata"`
}

func (h *httpHandler) handlePutDocument(c *gin.Context) {
	if c.GetBool(viewOnlyContextKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "view_only"})
		return
	}

	roomID, ok := h.roomIDFromPath(c)
	if !ok {
		return
	}

	var request putDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Blocks == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	clientID, err := block.NewClientID(request.ClientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_id"})
		return
	}
	for _, candidate := range request.Blocks {
		if _, err := block.NewBlockID(string(candidate.ID)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_id"})
			return
		}
		if _, err := block.NewBlockType(string(candidate.Type)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_type"})
			return
		}
	}

	snapshot := replication.Snapshot{
		Document: block.Document(request.Blocks),
		Metadata: request.Metadata,
		WriterID: clientID,
	}
	if err := h.store.WriteSnapshot(c.Request.Context(), roomID, snapshot); err != nil {
		h.logger.Error("failed to write room document", zap.Error(err), zap.String("room", string(roomID)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": true, "block_count": len(request.Blocks)})
}

type presenceListPayload struct {
	Collaborators []presence.Record `json:"collaborators"`
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	roomID, ok := h.roomIDFromPath(c)
	if !ok {
		return
	}

	records, err := h.store.ListPresence(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("failed to list presence", zap.Error(err), zap.String("room", string(roomID)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}

	cutoff := time.Now().UTC().Add(-h.presenceTTL)
	active := make([]presence.Record, 0, len(records))
	for _, record := range records {
		if record.LastSeen.Before(cutoff) {
			continue
		}
		active = append(active, record)
	}
	c.JSON(http.StatusOK, presenceListPayload{Collaborators: active})
}

type putPresencePayload struct {
	Cursor *presence.Cursor `json:"cursor"`
}

func (h *httpHandler) handlePutPresence(c *gin.Context) {
	roomID, ok := h.roomIDFromPath(c)
	if !ok {
		return
	}

	var request putPresencePayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	userID := c.GetString(userIDContextKey)
	record := presence.Record{
		UserID:      userID,
		DisplayName: c.GetString(displayNameContextKey),
		Cursor:      request.Cursor,
		Color:       users.ColorFor(userID),
		LastSeen:    time.Now().UTC(),
	}
	if err := h.store.UpsertPresence(c.Request.Context(), roomID, record); err != nil {
		h.logger.Error("failed to upsert presence", zap.Error(err), zap.String("room", string(roomID)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// authorizeRequest accepts the bearer header or, for browser stream
// endpoints that cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(displayNameContextKey, claims.DisplayName)
	c.Set(viewOnlyContextKey, claims.ViewOnly)
	c.Next()
}

func (h *httpHandler) roomIDFromPath(c *gin.Context) (block.RoomID, bool) {
	roomID, err := block.NewRoomID(c.Param("roomID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return "", false
	}
	return roomID, true
}
