package handler

import (
	"context"
	"errors"
	"net/http"

	"replydesk/internal/middleware"
	"replydesk/internal/scheduler"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SyncQueue accepts sync-now requests.
type SyncQueue interface {
	Enqueue(req scheduler.SyncRequest) error
}

// HumanResponseClearer lowers a contact's HRN flag.
type HumanResponseClearer interface {
	ClearHumanResponse(ctx context.Context, userID, remoteID string) (bool, error)
}

type APIHandler interface {
	Health(c *gin.Context)
	RequestSync(c *gin.Context)
	ClearHumanResponse(c *gin.Context)
}

type apiHandler struct {
	queue    SyncQueue
	contacts HumanResponseClearer
	logger   *zap.Logger
}

func NewAPIHandler(queue SyncQueue, contacts HumanResponseClearer, logger *zap.Logger) APIHandler {
	return &apiHandler{
		queue:    queue,
		contacts: contacts,
		logger:   logger.Named("api_handler"),
	}
}

// Health handles GET /health
func (h *apiHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SyncRequest represents the request body for POST /api/v1/sync
type SyncRequest struct {
	UserID   string `json:"userId"`
	FullSync bool   `json:"fullSync"`
}

// RequestSync handles POST /api/v1/sync
// Queues a contact sync for the user; the sync itself runs in the background.
func (h *apiHandler) RequestSync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Failed to bind JSON for sync request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, ok := resolveUser(c, req.UserID)
	if !ok {
		return
	}

	err := h.queue.Enqueue(scheduler.SyncRequest{UserID: userID, FullSync: req.FullSync})
	if errors.Is(err, scheduler.ErrQueueFull) {
		h.logger.Warn("Sync queue full", zap.String("user_id", userID))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sync queue is full, retry later"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to queue sync", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue sync"})
		return
	}

	h.logger.Info("Sync queued", zap.String("user_id", userID), zap.Bool("full_sync", req.FullSync))
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "userId": userID, "fullSync": req.FullSync})
}

// ClearHumanResponse handles POST /api/v1/contacts/:remoteId/clear-hrn
// This is the only way a contact's HRN flag is lowered.
func (h *apiHandler) ClearHumanResponse(c *gin.Context) {
	remoteID := c.Param("remoteId")

	var body struct {
		UserID string `json:"userId"`
	}
	// The body is optional; the user may come from the token or the query.
	_ = c.ShouldBindJSON(&body)
	requested := body.UserID
	if requested == "" {
		requested = c.Query("userId")
	}

	userID, ok := resolveUser(c, requested)
	if !ok {
		return
	}

	cleared, err := h.contacts.ClearHumanResponse(c.Request.Context(), userID, remoteID)
	if err != nil {
		h.logger.Error("Failed to clear HRN flag",
			zap.String("user_id", userID),
			zap.String("remote_id", remoteID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear flag"})
		return
	}
	if !cleared {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contact not found"})
		return
	}

	h.logger.Info("HRN flag cleared", zap.String("user_id", userID), zap.String("remote_id", remoteID))
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "remoteId": remoteID})
}

// resolveUser picks the acting user. A token bound to a user may only act
// for that user; an unbound service token must name one.
func resolveUser(c *gin.Context, requested string) (string, bool) {
	bound := c.GetString(middleware.UserIDKey)
	switch {
	case bound != "" && requested != "" && requested != bound:
		c.JSON(http.StatusForbidden, gin.H{"error": "Token is not valid for this user"})
		return "", false
	case bound != "":
		return bound, true
	case requested != "":
		return requested, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
	return "", false
}
