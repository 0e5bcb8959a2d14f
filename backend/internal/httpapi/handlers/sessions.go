package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/session"
	"collabsync/backend/internal/store"
)

// maxEventsPerPoll caps one events response; the client pages by calling
// again with the highest id it received.
const maxEventsPerPoll = 500

// SessionHandler serves the session store API.
type SessionHandler struct {
	store       store.Store
	presence    cache.Presence // nil disables presence tracking
	presenceTTL time.Duration
	logger      *zap.Logger
}

func NewSessionHandler(s store.Store, presence cache.Presence, presenceTTL time.Duration, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if presenceTTL <= 0 {
		presenceTTL = time.Minute
	}
	return &SessionHandler{store: s, presence: presence, presenceTTL: presenceTTL, logger: logger}
}

// Register mounts the routes on r, which is expected to carry the auth
// middleware.
func (h *SessionHandler) Register(r gin.IRoutes) {
	r.GET("/documents/:doc/session", h.ActiveSession)
	r.POST("/documents/:doc/session", h.CreateSession)
	r.POST("/sessions/:id/join", h.JoinSession)
	r.POST("/sessions/:id/heartbeat", h.Heartbeat)
	r.GET("/sessions/:id/events", h.ListEvents)
	r.POST("/sessions/:id/events", h.AppendEvent)
	r.POST("/sessions/:id/end", h.EndSession)
	r.DELETE("/sessions/:id", h.DeleteSession)
	r.GET("/sessions/:id/presence", h.Presence)
}

func (h *SessionHandler) ActiveSession(c *gin.Context) {
	s, err := h.store.ActiveSession(c.Request.Context(), c.Param("doc"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type createReq struct {
	Content string `json:"content"`
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createReq
	if !bindOptional(c, &req) {
		return
	}
	s, err := h.store.CreateSession(c.Request.Context(), c.Param("doc"), actor(c), req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("session_created",
		zap.String("session_id", s.ID),
		zap.String("document_ref", s.DocumentRef),
		zap.Uint64("owner_id", s.OwnerID))
	c.JSON(http.StatusCreated, s)
}

type joinReq struct {
	Role session.Role `json:"role"`
}

func (h *SessionHandler) JoinSession(c *gin.Context) {
	var req joinReq
	if !bindOptional(c, &req) {
		return
	}
	if req.Role == "" {
		req.Role = session.RoleEditor
	}
	s, err := h.store.JoinSession(c.Request.Context(), c.Param("id"), actor(c), req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *SessionHandler) Heartbeat(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	a := actor(c)
	if err := h.store.Heartbeat(ctx, id, a.UserID); err != nil {
		h.fail(c, err)
		return
	}
	if h.presence != nil {
		if err := h.presence.Touch(ctx, id, a.UserID, a.DisplayName, h.presenceTTL); err != nil {
			// liveness in the store was confirmed; presence is best effort
			h.logger.Warn("presence_touch_failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	c.Status(http.StatusOK)
}

func (h *SessionHandler) ListEvents(c *gin.Context) {
	var after uint64
	if raw := c.Query("after_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after_id must be a non-negative integer"})
			return
		}
		after = v
	}
	events, err := h.store.Events(c.Request.Context(), c.Param("id"), after, maxEventsPerPoll)
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []session.Event{}
	}
	c.JSON(http.StatusOK, events)
}

type appendReq struct {
	Type    session.EventType `json:"type" binding:"required"`
	Payload json.RawMessage   `json:"payload"`
}

func (h *SessionHandler) AppendEvent(c *gin.Context) {
	var req appendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	evt, err := h.store.AppendEvent(c.Request.Context(), c.Param("id"), actor(c).UserID, req.Type, req.Payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, evt)
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	s, err := h.store.EndSession(c.Request.Context(), c.Param("id"), actor(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.forget(c, s.ID)
	h.logger.Info("session_ended", zap.String("session_id", s.ID))
	c.JSON(http.StatusOK, s)
}

func (h *SessionHandler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeleteSession(c.Request.Context(), id, actor(c).UserID); err != nil {
		h.fail(c, err)
		return
	}
	h.forget(c, id)
	h.logger.Info("session_deleted", zap.String("session_id", id))
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) Presence(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.Session(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	members := []cache.Member{}
	if h.presence != nil {
		alive, err := h.presence.Alive(ctx, id)
		if err != nil {
			h.fail(c, err)
			return
		}
		members = append(members, alive...)
	}
	c.JSON(http.StatusOK, members)
}

func (h *SessionHandler) forget(c *gin.Context, sessionID string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Forget(c.Request.Context(), sessionID); err != nil {
		h.logger.Warn("presence_forget_failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// fail maps store errors onto status codes.
func (h *SessionHandler) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, store.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, store.ErrInvalid):
		code = http.StatusBadRequest
	default:
		h.logger.Error("request_failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// bindOptional decodes a JSON body when one is present. An empty body is
// accepted.
func bindOptional(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func actor(c *gin.Context) store.Actor {
	return store.Actor{
		UserID:      c.GetUint64(middleware.ContextUserID),
		DisplayName: c.GetString(middleware.ContextUsername),
	}
}
