package handlers

import (
	"net/http"

	"github.com/franzego/teleconsult/internal/apperrors"
	"github.com/franzego/teleconsult/internal/hub"
	"github.com/franzego/teleconsult/internal/middleware"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handler struct {
	hub    *hub.Hub
	redis  *redis.Client
	logger *zap.Logger
}

func New(h *hub.Hub, rdb *redis.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: h, redis: rdb, logger: logger.With(zap.String("component", "http"))}
}

// Register mounts every authenticated route on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/session", h.OpenSession)
	rg.DELETE("/session", h.CloseSession)
	rg.GET("/events", h.Events)

	rg.POST("/calls", h.StartCall)
	rg.GET("/calls/state", h.CallState)
	rg.POST("/calls/:id/answer", h.AnswerCall)
	rg.POST("/calls/:id/decline", h.DeclineCall)
	rg.POST("/calls/:id/end", h.EndCall)

	rg.POST("/meetings", h.CreateMeeting)
	rg.POST("/meetings/retry-notify", h.RetryNotify)
	rg.POST("/meetings/join", h.JoinMeeting)
	rg.GET("/meetings/current", h.CurrentMeeting)
	rg.DELETE("/meetings/current", h.EndMeeting)
	rg.POST("/invitations/:id/respond", h.RespondInvitation)

	rg.GET("/notifications", h.ListNotifications)
	rg.POST("/notifications", h.SendNotification)
	rg.POST("/notifications/schedule", h.ScheduleNotification)
	rg.DELETE("/notifications/schedule/:id", h.CancelScheduled)
	rg.POST("/notifications/:id/read", h.MarkRead)
	rg.POST("/notifications/read-all", h.MarkAllRead)
	rg.GET("/notifications/unread-count", h.UnreadCount)
	rg.POST("/notifications/permission", h.RequestPermission)
	rg.GET("/preferences", h.GetPreferences)
	rg.PATCH("/preferences", h.UpdatePreferences)
	rg.POST("/reminders/appointment", h.AppointmentReminder)
	rg.POST("/reminders/medication", h.MedicationReminder)
}

// session returns the caller's hub session, opening it on first use.
func (h *Handler) session(c *gin.Context) (*hub.Session, bool) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.APIResponse{
			Success: false,
			Error:   "no identity on request",
			Message: "Unauthorized",
		})
		return nil, false
	}
	s, err := h.hub.Open(identity)
	if err != nil {
		h.respondError(c, err, "Failed to open session")
		return nil, false
	}
	return s, true
}

func (h *Handler) respondError(c *gin.Context, err error, message string) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.logger.Error(message, zap.Error(err), zap.String("correlation_id", c.GetString(middleware.CorrelationIDKey)))
	}
	c.JSON(status, models.APIResponse{
		Success: false,
		Error:   err.Error(),
		Message: message,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.APIResponse{
		Success: false,
		Error:   err.Error(),
		Message: "Invalid Request Body",
	})
}

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}
