package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/franzego/teleconsult/internal/models"
)

// Memory is a Store held in process memory. All conditional updates happen
// under one mutex, so check-and-transition is atomic.
type Memory struct {
	mu            sync.Mutex
	sessions      map[string]models.CallSession
	invitations   map[string]models.MeetingInvitation
	notifications map[string]models.NotificationRecord
	scheduled     map[string]models.ScheduledNotification
	preferences   map[string]models.Preferences
}

func NewMemory() *Memory {
	return &Memory{
		sessions:      make(map[string]models.CallSession),
		invitations:   make(map[string]models.MeetingInvitation),
		notifications: make(map[string]models.NotificationRecord),
		scheduled:     make(map[string]models.ScheduledNotification),
		preferences:   make(map[string]models.Preferences),
	}
}

func samePair(s models.CallSession, a, b string) bool {
	return (s.ClientID == a && s.SpecialistID == b) || (s.ClientID == b && s.SpecialistID == a)
}

func (m *Memory) CreateCallSession(_ context.Context, s *models.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.Status != models.CallEnded && samePair(existing, s.ClientID, s.SpecialistID) {
			return ErrOpenSessionExists
		}
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *Memory) GetCallSession(_ context.Context, id string) (*models.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) TransitionCallSession(_ context.Context, id string, from []models.CallStatus, to models.CallStatus, at time.Time) (*models.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsStatus(from, s.Status) {
		return nil, ErrConditionFailed
	}
	s.Status = to
	switch to {
	case models.CallActive:
		s.StartedAt = &at
	case models.CallEnded:
		if s.EndedAt == nil {
			s.EndedAt = &at
		}
	}
	m.sessions[id] = s
	return &s, nil
}

func (m *Memory) ListOpenCallSessions(_ context.Context, userID string) ([]models.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CallSession
	for _, s := range m.sessions {
		if s.Status != models.CallEnded && s.HasParticipant(userID) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateInvitation(_ context.Context, inv *models.MeetingInvitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[inv.ID] = *inv
	return nil
}

func (m *Memory) GetInvitation(_ context.Context, id string) (*models.MeetingInvitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (m *Memory) RespondInvitation(_ context.Context, id string, status models.InvitationStatus, at time.Time) (*models.MeetingInvitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inv.Status != models.InvitationPending {
		return nil, ErrConditionFailed
	}
	inv.Status = status
	inv.RespondedAt = &at
	m.invitations[id] = inv
	return &inv, nil
}

func (m *Memory) ListPendingInvitations(_ context.Context, inviteeID string) ([]models.MeetingInvitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MeetingInvitation
	for _, inv := range m.invitations {
		if inv.InviteeID == inviteeID && inv.Status == models.InvitationPending {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertNotification(_ context.Context, n *models.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = *n
	return nil
}

func (m *Memory) MarkNotificationRead(_ context.Context, userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return false, ErrNotFound
	}
	if n.Read {
		return false, nil
	}
	n.Read = true
	m.notifications[id] = n
	return true, nil
}

func (m *Memory) MarkAllNotificationsRead(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			m.notifications[id] = n
			count++
		}
	}
	return count, nil
}

func (m *Memory) CountUnread(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListNotifications(_ context.Context, userID string, limit int) ([]models.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationRecord
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertScheduled(_ context.Context, s *models.ScheduledNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[s.ID] = *s
	return nil
}

func (m *Memory) ListPendingScheduled(_ context.Context, userID string, after time.Time) ([]models.ScheduledNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledNotification
	for _, s := range m.scheduled {
		if s.UserID == userID && !s.Sent && s.ScheduledFor.After(after) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *Memory) MarkScheduledSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheduled[id]
	if !ok {
		return ErrNotFound
	}
	s.Sent = true
	m.scheduled[id] = s
	return nil
}

// Scheduled returns a stored scheduled notification.
func (m *Memory) Scheduled(id string) (models.ScheduledNotification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheduled[id]
	return s, ok
}

func (m *Memory) GetPreferences(_ context.Context, userID string) (*models.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.preferences[userID]
	if !ok {
		return DefaultPreferences(userID), nil
	}
	return &p, nil
}

func (m *Memory) UpsertPreferences(_ context.Context, p *models.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences[p.UserID] = *p
	return nil
}
