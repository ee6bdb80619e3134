package callsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/franzego/teleconsult/internal/eventbus"
	"github.com/franzego/teleconsult/internal/models"
	"go.uber.org/zap"
)

var (
	ErrAlreadyWatching = errors.New("callsession: already watching")
	ErrClosed          = errors.New("callsession: manager closed")
)

// Watch subscribes to session changes addressed to this identity and seeds
// local state from sessions that are already open. It returns once the
// subscription is live; events are handled on a background goroutine until
// Close or ctx cancellation. A manager watches at most once and never after
// Close.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.watching:
		m.mu.Unlock()
		return ErrAlreadyWatching
	}
	m.watching = true
	m.mu.Unlock()

	if err := m.watch(ctx); err != nil {
		m.mu.Lock()
		m.watching = false
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := m.bus.Subscribe(ctx, eventbus.TableCallSessions,
		eventbus.EitherColumnEquals("client_id", "specialist_id", m.identity.UserID))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe call sessions: %w", err)
	}

	// subscribe first so nothing written between the snapshot and the
	// subscription is missed; duplicates are absorbed by the seen set
	open, err := m.store.ListOpenCallSessions(ctx, m.identity.UserID)
	if err != nil {
		cancel()
		sub.Close()
		return fmt.Errorf("load open call sessions: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		sub.Close()
		return ErrClosed
	}
	m.sub = sub
	m.cancel = cancel
	m.done = make(chan struct{})
	for _, s := range open {
		m.seed(s)
	}
	done := m.done
	m.mu.Unlock()

	go m.loop(ctx, sub, done)
	return nil
}

// seed must be called with mu held.
func (m *Manager) seed(s models.CallSession) {
	switch s.Status {
	case models.CallWaiting:
		if s.InitiatorID == m.identity.UserID {
			m.outgoing[s.ID] = s
		} else {
			m.incoming[s.ID] = s
			m.seen[s.ID] = struct{}{}
		}
	case models.CallActive:
		active := s
		m.active = &active
		m.seen[s.ID] = struct{}{}
	}
}

func (m *Manager) loop(ctx context.Context, sub eventbus.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev eventbus.Event) {
	var s models.CallSession
	if err := ev.Decode(&s); err != nil {
		m.logger.Warn("ignoring undecodable call session event", zap.Error(err))
		return
	}
	if !s.HasParticipant(m.identity.UserID) {
		return
	}

	switch s.Status {
	case models.CallWaiting:
		if ev.Op != eventbus.OpInsert {
			return
		}
		m.onWaiting(s)
	case models.CallActive:
		m.onActive(s)
	case models.CallEnded:
		if m.clearSession(s.ID) {
			m.emit(Signal{Kind: SignalEnded, Session: s})
		}
	}
}

func (m *Manager) onWaiting(s models.CallSession) {
	m.mu.Lock()
	if s.InitiatorID == m.identity.UserID {
		if _, terminal := m.seen[s.ID]; !terminal {
			m.outgoing[s.ID] = s
		}
		m.mu.Unlock()
		return
	}
	if _, dup := m.seen[s.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[s.ID] = struct{}{}
	m.incoming[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("incoming call", zap.String("session_id", s.ID), zap.String("from", s.InitiatorID))
	m.emit(Signal{Kind: SignalIncoming, Session: s})
}

func (m *Manager) onActive(s models.CallSession) {
	m.mu.Lock()
	if m.active != nil && m.active.ID == s.ID {
		m.mu.Unlock()
		return
	}
	delete(m.incoming, s.ID)
	delete(m.outgoing, s.ID)
	m.seen[s.ID] = struct{}{}
	active := s
	m.active = &active
	m.mu.Unlock()

	m.emit(Signal{Kind: SignalActive, Session: s})
}

func (m *Manager) emit(sig Signal) {
	select {
	case m.signals <- sig:
	default:
		m.logger.Warn("signal buffer full, dropping signal",
			zap.String("kind", string(sig.Kind)), zap.String("session_id", sig.Session.ID))
	}
}

// Close unsubscribes from the bus and clears all local call state. It is
// safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		sub, cancel, done := m.sub, m.cancel, m.done
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sub != nil {
			err = sub.Close()
		}
		if done != nil {
			<-done
		}

		m.mu.Lock()
		m.incoming = make(map[string]models.CallSession)
		m.outgoing = make(map[string]models.CallSession)
		m.active = nil
		m.mu.Unlock()
		close(m.signals)
	})
	return err
}
