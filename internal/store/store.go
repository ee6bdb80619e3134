// Package store persists call sessions, meeting invitations, notifications,
// scheduled notifications and preferences. Every status change on a row
// shared by two actors is a conditional update on the current status.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/franzego/teleconsult/internal/models"
)

var (
	// ErrConditionFailed means the row exists but was not in an allowed
	// status for the requested transition.
	ErrConditionFailed = errors.New("store: transition precondition not met")
	ErrNotFound        = errors.New("store: not found")
	// ErrOpenSessionExists means the participant pair already has a waiting
	// or active session.
	ErrOpenSessionExists = errors.New("store: open session exists for participant pair")
)

type CallSessionStore interface {
	CreateCallSession(ctx context.Context, s *models.CallSession) error
	GetCallSession(ctx context.Context, id string) (*models.CallSession, error)
	// TransitionCallSession atomically moves the session to `to` when its
	// current status is one of `from`. Moving to active stamps started_at;
	// moving to ended stamps ended_at if unset.
	TransitionCallSession(ctx context.Context, id string, from []models.CallStatus, to models.CallStatus, at time.Time) (*models.CallSession, error)
	ListOpenCallSessions(ctx context.Context, userID string) ([]models.CallSession, error)
}

type InvitationStore interface {
	CreateInvitation(ctx context.Context, inv *models.MeetingInvitation) error
	GetInvitation(ctx context.Context, id string) (*models.MeetingInvitation, error)
	// RespondInvitation sets a terminal status only while the invitation is pending.
	RespondInvitation(ctx context.Context, id string, status models.InvitationStatus, at time.Time) (*models.MeetingInvitation, error)
	ListPendingInvitations(ctx context.Context, inviteeID string) ([]models.MeetingInvitation, error)
}

type NotificationStore interface {
	InsertNotification(ctx context.Context, n *models.NotificationRecord) error
	// MarkNotificationRead returns true when the row flipped from unread to read.
	MarkNotificationRead(ctx context.Context, userID, id string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.NotificationRecord, error)
}

type ScheduledStore interface {
	InsertScheduled(ctx context.Context, s *models.ScheduledNotification) error
	// ListPendingScheduled returns unsent rows scheduled strictly after `after`.
	ListPendingScheduled(ctx context.Context, userID string, after time.Time) ([]models.ScheduledNotification, error)
	MarkScheduledSent(ctx context.Context, id string) error
}

type PreferencesStore interface {
	// GetPreferences returns DefaultPreferences when the user has none stored.
	GetPreferences(ctx context.Context, userID string) (*models.Preferences, error)
	UpsertPreferences(ctx context.Context, p *models.Preferences) error
}

type Store interface {
	CallSessionStore
	InvitationStore
	NotificationStore
	ScheduledStore
	PreferencesStore
}

func DefaultPreferences(userID string) *models.Preferences {
	return &models.Preferences{
		UserID:            userID,
		Appointments:      true,
		Medications:       true,
		QuietHoursEnabled: false,
		QuietStart:        "22:00",
		QuietEnd:          "08:00",
	}
}

func statusStrings(in []models.CallStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func methodStrings(in []models.DeliveryMethod) []string {
	out := make([]string, len(in))
	for i, m := range in {
		out[i] = string(m)
	}
	return out
}

func toMethods(in []string) []models.DeliveryMethod {
	out := make([]models.DeliveryMethod, len(in))
	for i, m := range in {
		out[i] = models.DeliveryMethod(m)
	}
	return out
}

func containsStatus(set []models.CallStatus, s models.CallStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
