package handlers

import (
	"net/http"

	"github.com/franzego/teleconsult/internal/middleware"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/gin-gonic/gin"
)

func (h *Handler) OpenSession(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	ok(c, "Session opened", gin.H{
		"identity":        s.Identity,
		"timers_armed":    len(s.Notifications.Armed()),
		"incoming_calls":  s.Calls.Incoming(),
		"active_call":     s.Calls.Active(),
		"pending_invites": s.Meetings.Pending(),
	})
}

// CloseSession is the logout path: every subscription and armed timer for
// the caller is dropped.
func (h *Handler) CloseSession(c *gin.Context) {
	identity, found := middleware.IdentityFrom(c)
	if !found {
		c.JSON(http.StatusUnauthorized, models.APIResponse{Success: false, Error: "no identity on request", Message: "Unauthorized"})
		return
	}
	h.hub.Close(identity.UserID)
	ok(c, "Session closed", nil)
}

func (h *Handler) StartCall(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session, err := s.Calls.StartCall(c.Request.Context(), req.CounterpartID, req.AppointmentID)
	if err != nil {
		h.respondError(c, err, "Could not start call")
		return
	}
	c.JSON(http.StatusCreated, models.APIResponse{Success: true, Message: "Call started", Data: session})
}

func (h *Handler) AnswerCall(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	session, err := s.Calls.AnswerCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Could not answer call")
		return
	}
	ok(c, "Call answered", session)
}

func (h *Handler) DeclineCall(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if err := s.Calls.DeclineCall(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "Could not decline call")
		return
	}
	ok(c, "Call declined", nil)
}

func (h *Handler) EndCall(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if err := s.Calls.EndCall(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "Could not end call")
		return
	}
	ok(c, "Call ended", nil)
}

func (h *Handler) CallState(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	ok(c, "Call state", gin.H{
		"incoming": s.Calls.Incoming(),
		"outgoing": s.Calls.Outgoing(),
		"active":   s.Calls.Active(),
	})
}
