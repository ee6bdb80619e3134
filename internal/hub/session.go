package hub

import (
	"context"
	"sync"

	"github.com/franzego/teleconsult/internal/callsession"
	"github.com/franzego/teleconsult/internal/meeting"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/internal/notify"
)

const listenerBuffer = 32

type Session struct {
	Identity      models.Identity
	Calls         *callsession.Manager
	Meetings      *meeting.Broker
	Notifications *notify.Scheduler

	cancel     context.CancelFunc
	forwarders sync.WaitGroup

	mu        sync.Mutex
	listeners map[chan Event]struct{}
	closed    bool
	closeOnce sync.Once
}

// Subscribe returns a stream of call, meeting and notification events for
// this session and a function that stops it. The stream closes when the
// session does.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, listenerBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.listeners[ch]; ok {
				delete(s.listeners, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			// dropped for a slow listener
		}
	}
}

func (s *Session) forward() {
	s.forwarders.Add(3)
	go func() {
		defer s.forwarders.Done()
		for sig := range s.Calls.Signals() {
			s.publish(Event{Type: string(sig.Kind), Data: sig.Session})
		}
	}()
	go func() {
		defer s.forwarders.Done()
		for sig := range s.Meetings.Signals() {
			s.publish(Event{Type: string(sig.Kind), Data: sig.Invitation})
		}
	}()
	go func() {
		defer s.forwarders.Done()
		for sig := range s.Notifications.Signals() {
			s.publish(Event{Type: sig.Kind, Data: sig.Notification})
		}
	}()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.Calls != nil {
			s.Calls.Close()
		}
		if s.Meetings != nil {
			s.Meetings.Close()
		}
		if s.Notifications != nil {
			s.Notifications.Close()
		}
		s.forwarders.Wait()

		s.mu.Lock()
		s.closed = true
		for ch := range s.listeners {
			close(ch)
		}
		s.listeners = make(map[chan Event]struct{})
		s.mu.Unlock()
	})
}
