// Package hub keeps one session per authenticated identity. A session owns
// that user's call manager, meeting broker and notification scheduler, and
// tearing it down drops every subscription and armed timer for the user.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/franzego/teleconsult/internal/callsession"
	"github.com/franzego/teleconsult/internal/eventbus"
	"github.com/franzego/teleconsult/internal/meeting"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/internal/notify"
	"github.com/franzego/teleconsult/internal/queue"
	"github.com/franzego/teleconsult/internal/store"
	"go.uber.org/zap"
)

var ErrNoSession = errors.New("hub: no open session for identity")

type Deps struct {
	Store    store.Store
	Bus      eventbus.Bus
	Clock    clock.Clock
	Provider meeting.Provider
	// NotifyOptions builds the scheduler options for one identity.
	NotifyOptions func(models.Identity) notify.Options
	Logger        *zap.Logger
}

// Event is one item on a session's outbound stream.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type Hub struct {
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(deps Deps) *Hub {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Hub{
		deps:     deps,
		logger:   deps.Logger.With(zap.String("component", "hub")),
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for identity, creating and starting it if needed.
// An identity whose role changed gets a fresh session.
func (h *Hub) Open(identity models.Identity) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[identity.UserID]; ok {
		if s.Identity == identity {
			return s, nil
		}
		s.close()
		delete(h.sessions, identity.UserID)
	}

	s, err := h.start(identity)
	if err != nil {
		return nil, err
	}
	h.sessions[identity.UserID] = s
	h.logger.Info("session opened", zap.String("user_id", identity.UserID), zap.String("role", string(identity.Role)))
	return s, nil
}

func (h *Hub) start(identity models.Identity) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Identity:  identity,
		cancel:    cancel,
		listeners: make(map[chan Event]struct{}),
	}
	fail := func(err error) (*Session, error) {
		s.close()
		return nil, err
	}

	calls, err := callsession.NewManager(identity, h.deps.Store, h.deps.Bus, h.deps.Clock, h.deps.Logger)
	if err != nil {
		cancel()
		return nil, err
	}
	s.Calls = calls

	meetings, err := meeting.NewBroker(identity, h.deps.Provider, h.deps.Store, h.deps.Bus, h.deps.Clock, h.deps.Logger)
	if err != nil {
		return fail(err)
	}
	s.Meetings = meetings

	var opts notify.Options
	if h.deps.NotifyOptions != nil {
		opts = h.deps.NotifyOptions(identity)
	}
	scheduler, err := notify.NewScheduler(identity, h.deps.Store, h.deps.Clock, h.deps.Logger, opts)
	if err != nil {
		return fail(err)
	}
	s.Notifications = scheduler

	if err := calls.Watch(ctx); err != nil {
		return fail(fmt.Errorf("watch calls: %w", err))
	}
	if err := meetings.Watch(ctx); err != nil {
		return fail(fmt.Errorf("watch meetings: %w", err))
	}
	if _, err := scheduler.Rehydrate(ctx); err != nil {
		return fail(fmt.Errorf("rehydrate timers: %w", err))
	}

	s.forward()
	return s, nil
}

func (h *Hub) Get(userID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[userID]
	return s, ok
}

// Close tears down the user's session. Closing a user without one is a no-op.
func (h *Hub) Close(userID string) {
	h.mu.Lock()
	s, ok := h.sessions[userID]
	delete(h.sessions, userID)
	h.mu.Unlock()
	if ok {
		s.close()
		h.logger.Info("session closed", zap.String("user_id", userID))
	}
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	h.logger.Info("all sessions closed", zap.Int("count", len(sessions)))
}

// HandleSync routes a broadcast from another instance to the user's session.
func (h *Hub) HandleSync(msg queue.SyncMessage) {
	if msg.Type != queue.MessageNotificationReceived {
		return
	}
	if s, ok := h.Get(msg.UserID); ok {
		s.Notifications.Refresh()
	}
}
