// Package callsession owns the lifecycle of two-party call sessions for one
// authenticated identity: starting, answering, declining and ending calls,
// and detecting incoming calls from the event bus.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/franzego/teleconsult/internal/apperrors"
	"github.com/franzego/teleconsult/internal/eventbus"
	"github.com/franzego/teleconsult/internal/logger"
	"github.com/franzego/teleconsult/internal/metrics"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SignalKind string

const (
	SignalIncoming SignalKind = "incoming_call"
	SignalActive   SignalKind = "call_active"
	SignalEnded    SignalKind = "call_ended"
)

type Signal struct {
	Kind    SignalKind         `json:"kind"`
	Session models.CallSession `json:"session"`
}

const signalBuffer = 64

type Manager struct {
	identity models.Identity
	store    store.CallSessionStore
	bus      eventbus.Bus
	clock    clock.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	incoming map[string]models.CallSession
	outgoing map[string]models.CallSession
	active   *models.CallSession
	// session ids already surfaced as incoming or seen terminal
	seen map[string]struct{}

	signals   chan Signal
	watching  bool
	closed    bool
	sub       eventbus.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(identity models.Identity, st store.CallSessionStore, bus eventbus.Bus, clk clock.Clock, log *zap.Logger) (*Manager, error) {
	if identity.UserID == "" {
		return nil, apperrors.ErrInvalidParticipant
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		identity: identity,
		store:    st,
		bus:      bus,
		clock:    clk,
		logger:   logger.ForUser(log, "callsession", identity.UserID),
		incoming: make(map[string]models.CallSession),
		outgoing: make(map[string]models.CallSession),
		seen:     make(map[string]struct{}),
		signals:  make(chan Signal, signalBuffer),
	}, nil
}

func sessionEvent(op eventbus.Operation, s *models.CallSession) (eventbus.Event, error) {
	return eventbus.NewEvent(eventbus.TableCallSessions, op, s, map[string]string{
		"id":            s.ID,
		"client_id":     s.ClientID,
		"specialist_id": s.SpecialistID,
	})
}

func (m *Manager) publish(ctx context.Context, op eventbus.Operation, s *models.CallSession) error {
	ev, err := sessionEvent(op, s)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, ev)
}

// StartCall creates a waiting session with the counterpart. Client and
// specialist columns follow the initiator's role, not the call direction.
func (m *Manager) StartCall(ctx context.Context, counterpartID string, appointmentID *string) (*models.CallSession, error) {
	if counterpartID == "" || counterpartID == m.identity.UserID {
		return nil, apperrors.ErrInvalidParticipant
	}

	now := m.clock.Now()
	s := &models.CallSession{
		ID:            uuid.New().String(),
		AppointmentID: appointmentID,
		InitiatorID:   m.identity.UserID,
		Status:        models.CallWaiting,
		StartedAt:     &now,
		CreatedAt:     now,
	}
	if m.identity.Role == models.RoleSpecialist {
		s.SpecialistID, s.ClientID = m.identity.UserID, counterpartID
	} else {
		s.ClientID, s.SpecialistID = m.identity.UserID, counterpartID
	}

	if err := m.store.CreateCallSession(ctx, s); err != nil {
		if errors.Is(err, store.ErrOpenSessionExists) {
			return nil, apperrors.ErrCallInProgress
		}
		return nil, fmt.Errorf("start call: %w", err)
	}

	if err := m.publish(ctx, eventbus.OpInsert, s); err != nil {
		// the counterpart can never see this call; end it rather than leave it waiting
		m.logger.Error("failed to announce call, ending session",
			zap.String("session_id", s.ID), zap.Error(err))
		if _, endErr := m.store.TransitionCallSession(ctx, s.ID,
			[]models.CallStatus{models.CallWaiting}, models.CallEnded, m.clock.Now()); endErr != nil {
			m.logger.Error("failed to end unannounced session", zap.String("session_id", s.ID), zap.Error(endErr))
		}
		return nil, apperrors.Wrap(apperrors.CodeNotificationDeliveryFailed, "announce call", err)
	}

	metrics.CallTransitions.WithLabelValues(string(models.CallWaiting)).Inc()
	m.mu.Lock()
	m.outgoing[s.ID] = *s
	m.mu.Unlock()

	m.logger.Info("call started",
		zap.String("session_id", s.ID), zap.String("counterpart_id", counterpartID))
	return s, nil
}

// AnswerCall moves a waiting session to active. Only the callee may answer.
// The conditional update in the store is the only guard between the callee's
// own processes, so exactly one concurrent answer succeeds.
func (m *Manager) AnswerCall(ctx context.Context, sessionID string) (*models.CallSession, error) {
	current, err := m.store.GetCallSession(ctx, sessionID)
	if err != nil {
		return nil, m.mapStoreErr(err, "answer call")
	}
	if !current.HasParticipant(m.identity.UserID) || current.InitiatorID == m.identity.UserID {
		return nil, apperrors.ErrInvalidParticipant
	}

	s, err := m.store.TransitionCallSession(ctx, sessionID,
		[]models.CallStatus{models.CallWaiting}, models.CallActive, m.clock.Now())
	if errors.Is(err, store.ErrConditionFailed) {
		metrics.CallAnswerRaceLost.Inc()
		m.clearIncoming(sessionID)
		return nil, apperrors.ErrCallNoLongerAvailable
	}
	if err != nil {
		return nil, m.mapStoreErr(err, "answer call")
	}
	metrics.CallTransitions.WithLabelValues(string(models.CallActive)).Inc()

	m.mu.Lock()
	delete(m.incoming, sessionID)
	delete(m.outgoing, sessionID)
	m.seen[sessionID] = struct{}{}
	active := *s
	m.active = &active
	m.mu.Unlock()

	if err := m.publish(ctx, eventbus.OpUpdate, s); err != nil {
		m.logger.Error("failed to publish answered call", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.logger.Info("call answered", zap.String("session_id", sessionID))
	return s, nil
}

// DeclineCall ends a session. Declining an already-ended session is a no-op.
func (m *Manager) DeclineCall(ctx context.Context, sessionID string) error {
	return m.end(ctx, sessionID, "call declined")
}

// EndCall ends a waiting or active session and stamps endedAt once.
// Ending an already-ended session is a no-op.
func (m *Manager) EndCall(ctx context.Context, sessionID string) error {
	return m.end(ctx, sessionID, "call ended")
}

func (m *Manager) end(ctx context.Context, sessionID, logMsg string) error {
	s, err := m.store.TransitionCallSession(ctx, sessionID,
		[]models.CallStatus{models.CallWaiting, models.CallActive}, models.CallEnded, m.clock.Now())
	if errors.Is(err, store.ErrConditionFailed) {
		m.clearSession(sessionID)
		return nil
	}
	if err != nil {
		return m.mapStoreErr(err, logMsg)
	}
	metrics.CallTransitions.WithLabelValues(string(models.CallEnded)).Inc()
	m.clearSession(sessionID)

	if err := m.publish(ctx, eventbus.OpUpdate, s); err != nil {
		m.logger.Error("failed to publish ended call", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.logger.Info(logMsg, zap.String("session_id", sessionID))
	return nil
}

func (m *Manager) mapStoreErr(err error, op string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, "call session not found", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (m *Manager) clearIncoming(id string) {
	m.mu.Lock()
	delete(m.incoming, id)
	m.mu.Unlock()
}

// clearSession drops all local state for a terminal session and reports
// whether anything was tracked.
func (m *Manager) clearSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, hadIncoming := m.incoming[id]
	_, hadOutgoing := m.outgoing[id]
	hadActive := m.active != nil && m.active.ID == id
	delete(m.incoming, id)
	delete(m.outgoing, id)
	if hadActive {
		m.active = nil
	}
	m.seen[id] = struct{}{}
	return hadIncoming || hadOutgoing || hadActive
}

// Incoming returns sessions currently ringing for this identity.
func (m *Manager) Incoming() []models.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CallSession, 0, len(m.incoming))
	for _, s := range m.incoming {
		out = append(out, s)
	}
	return out
}

// Outgoing returns sessions this identity started that are still ringing.
func (m *Manager) Outgoing() []models.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CallSession, 0, len(m.outgoing))
	for _, s := range m.outgoing {
		out = append(out, s)
	}
	return out
}

func (m *Manager) Active() *models.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	s := *m.active
	return &s
}

func (m *Manager) Signals() <-chan Signal {
	return m.signals
}
