package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/franzego/teleconsult/internal/apperrors"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	idempotencyTTL    = 24 * time.Hour
	statusProcessing  = "processing"
)

func idempotencyKey(userID, key string) string {
	return fmt.Sprintf("notification:idempotency:%s:%s", userID, key)
}

// storedResponse is what a completed request leaves under its idempotency
// key so a duplicate gets the same answer.
type storedResponse struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// checkIdempotency claims key for this request. It reports the stored
// response of an earlier completed request, or a nil response if one is
// still running. Without a key or without redis every request is fresh.
func (h *Handler) checkIdempotency(ctx context.Context, userID, key string) (*storedResponse, bool, error) {
	if key == "" || h.redis == nil {
		return nil, false, nil
	}
	k := idempotencyKey(userID, key)
	claimed, err := h.redis.SetNX(ctx, k, statusProcessing, idempotencyTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if claimed {
		return nil, false, nil
	}
	prior, err := h.redis.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if prior == statusProcessing {
		return nil, true, nil
	}
	var resp storedResponse
	if err := json.Unmarshal([]byte(prior), &resp); err != nil {
		return nil, true, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, true, nil
}

func (r storedResponse) envelope() models.APIResponse {
	out := models.APIResponse{Success: true, Message: r.Message}
	if len(r.Data) > 0 {
		out.Data = r.Data
	}
	return out
}

// respondIdempotent writes a success response and keeps it under key.
func (h *Handler) respondIdempotent(c *gin.Context, userID, key string, status int, message string, data interface{}) {
	resp := storedResponse{Status: status, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Warn("failed to encode idempotent response", zap.Error(err))
		}
		resp.Data = raw
	}
	if key != "" && h.redis != nil {
		body, err := json.Marshal(resp)
		if err == nil {
			err = h.redis.Set(c.Request.Context(), idempotencyKey(userID, key), body, idempotencyTTL).Err()
		}
		if err != nil {
			h.logger.Warn("failed to store idempotent response", zap.Error(err))
		}
	}
	c.JSON(status, resp.envelope())
}

// releaseIdempotent frees the key after a failed attempt so the client can retry.
func (h *Handler) releaseIdempotent(ctx context.Context, userID, key string) {
	if key == "" || h.redis == nil {
		return
	}
	if err := h.redis.Del(ctx, idempotencyKey(userID, key)).Err(); err != nil {
		h.logger.Warn("failed to release idempotency key", zap.Error(err))
	}
}

// replay answers a duplicate request with the response of the original,
// marked by the replay header. It returns false when the request should
// proceed.
func (h *Handler) replay(c *gin.Context, userID string) bool {
	key := c.GetHeader(idempotencyHeader)
	prior, dup, err := h.checkIdempotency(c.Request.Context(), userID, key)
	if err != nil && !dup {
		h.logger.Warn("idempotency check failed", zap.Error(err))
		return false
	}
	if !dup {
		return false
	}
	if err != nil || prior == nil {
		if err != nil {
			h.logger.Warn("unreadable idempotent response", zap.Error(err))
		}
		c.JSON(http.StatusConflict, models.APIResponse{
			Success: false,
			Error:   "request with this idempotency key is still processing",
			Message: "Notification Already Processing",
		})
		return true
	}
	c.Header(replayedHeader, "true")
	c.JSON(prior.Status, prior.envelope())
	return true
}

func (h *Handler) SendNotification(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	userID := s.Identity.UserID
	if h.replay(c, userID) {
		return
	}
	key := c.GetHeader(idempotencyHeader)
	ctx := c.Request.Context()

	rec, err := s.Notifications.SendNow(ctx, req)
	if err != nil {
		h.releaseIdempotent(ctx, userID, key)
		h.respondError(c, err, "Failed to send notification")
		return
	}
	if rec == nil {
		// quiet hours swallowed it; nothing was stored
		h.respondIdempotent(c, userID, key, http.StatusAccepted, "Notification suppressed during quiet hours", nil)
		return
	}
	h.respondIdempotent(c, userID, key, http.StatusCreated, "Notification sent", rec)
}

func (h *Handler) ScheduleNotification(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	userID := s.Identity.UserID
	if h.replay(c, userID) {
		return
	}
	key := c.GetHeader(idempotencyHeader)
	ctx := c.Request.Context()

	resp, err := s.Notifications.ScheduleAt(ctx, req.NotificationRequest, req.ScheduledFor)
	if err != nil {
		h.releaseIdempotent(ctx, userID, key)
		h.respondError(c, err, "Failed to schedule notification")
		return
	}
	h.respondIdempotent(c, userID, key, http.StatusCreated, "Notification scheduled", resp)
}

func (h *Handler) CancelScheduled(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if !s.Notifications.CancelScheduled(c.Param("id")) {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   "no armed timer with that id",
			Message: "Timer not found",
		})
		return
	}
	ok(c, "Timer cancelled", nil)
}

func (h *Handler) ListNotifications(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(c, apperrors.Wrap(apperrors.CodeInvalidRequest, "limit must be a non-negative integer", err), "Invalid limit")
			return
		}
		limit = n
	}
	list, err := s.Notifications.List(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err, "Failed to list notifications")
		return
	}
	ok(c, "Notifications", list)
}

func (h *Handler) MarkRead(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if err := s.Notifications.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "Failed to mark notification read")
		return
	}
	ok(c, "Notification marked read", nil)
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	n, err := s.Notifications.MarkAllRead(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to mark notifications read")
		return
	}
	ok(c, "Notifications marked read", gin.H{"updated": n})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	n, err := s.Notifications.UnreadCount(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to count unread notifications")
		return
	}
	ok(c, "Unread count", gin.H{"unread": n})
}

func (h *Handler) RequestPermission(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.PushPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	perm, err := s.Notifications.RequestPushPermission(c.Request.Context(), req.Decision)
	if err != nil {
		h.respondError(c, err, "Push permission not granted")
		return
	}
	ok(c, "Push permission", gin.H{"permission": perm})
}

func (h *Handler) GetPreferences(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	p, err := s.Notifications.Preferences(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to load preferences")
		return
	}
	ok(c, "Preferences", p)
}

func (h *Handler) UpdatePreferences(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.PreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.Notifications.UpdatePreferences(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err, "Failed to update preferences")
		return
	}
	ok(c, "Preferences updated", p)
}

func (h *Handler) AppointmentReminder(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.ReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := s.Notifications.ScheduleAppointmentReminder(c.Request.Context(), req.EventTime, req.Title, req.Message)
	if err != nil {
		h.respondError(c, err, "Failed to schedule appointment reminder")
		return
	}
	reminderResponse(c, resp)
}

func (h *Handler) MedicationReminder(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.ReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := s.Notifications.ScheduleMedicationReminder(c.Request.Context(), req.EventTime, req.Title, req.Message)
	if err != nil {
		h.respondError(c, err, "Failed to schedule medication reminder")
		return
	}
	reminderResponse(c, resp)
}

func reminderResponse(c *gin.Context, resp *models.ScheduleResponse) {
	if resp.Skipped {
		ok(c, "Reminder skipped, preference is off", resp)
		return
	}
	c.JSON(http.StatusCreated, models.APIResponse{Success: true, Message: "Reminder scheduled", Data: resp})
}
