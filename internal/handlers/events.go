package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const heartbeatInterval = 25 * time.Second

// Events streams the caller's session events as server-sent events until the
// client disconnects or the session is closed.
func (h *Handler) Events(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	events, stop := s.Subscribe()
	defer stop()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	h.logger.Debug("event stream opened", zap.String("user_id", s.Identity.UserID))
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("user_id", s.Identity.UserID))
}
