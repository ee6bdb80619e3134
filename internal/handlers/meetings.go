package handlers

import (
	"errors"
	"net/http"

	"github.com/franzego/teleconsult/internal/meeting"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/gin-gonic/gin"
)

func (h *Handler) CreateMeeting(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.CreateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := s.Meetings.CreateMeeting(c.Request.Context(), req.Topic, req.InviteeID, req.DurationMinutes)
	var pending *meeting.PendingNotifyError
	if errors.As(err, &pending) {
		// the meeting exists; hand back what the client needs to retry the notify step
		c.JSON(http.StatusBadGateway, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Meeting created but invitee not notified",
			Data:    pending.Invitation,
		})
		return
	}
	if err != nil {
		h.respondError(c, err, "Could not create meeting")
		return
	}
	c.JSON(http.StatusCreated, models.APIResponse{Success: true, Message: "Meeting created", Data: inv})
}

func (h *Handler) RetryNotify(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.RetryNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := s.Meetings.RetryNotify(c.Request.Context(), req.Handle, req.InviteeID, req.DurationMinutes)
	if err != nil {
		h.respondError(c, err, "Could not notify invitee")
		return
	}
	ok(c, "Invitee notified", inv)
}

func (h *Handler) RespondInvitation(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.RespondInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := s.Meetings.RespondToInvitation(c.Request.Context(), c.Param("id"), req.Accept)
	if err != nil {
		h.respondError(c, err, "Could not respond to invitation")
		return
	}
	ok(c, "Invitation answered", inv)
}

func (h *Handler) JoinMeeting(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	var req models.JoinMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	target, err := s.Meetings.JoinMeeting(req.JoinURL)
	if err != nil {
		h.respondError(c, err, "Could not join meeting")
		return
	}
	ok(c, "Join meeting", gin.H{"join_url": target})
}

func (h *Handler) CurrentMeeting(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	ok(c, "Current meeting", s.Meetings.Current())
}

func (h *Handler) EndMeeting(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	s.Meetings.EndMeeting()
	ok(c, "Meeting ended", nil)
}
