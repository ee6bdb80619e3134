package models

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleSpecialist Role = "specialist"
)

// Identity is the authenticated user every manager and scheduler is scoped to.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

type CallStatus string

const (
	CallWaiting CallStatus = "waiting"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

// CanTransition reports whether the call state machine allows from -> to.
// Waiting -> {Active, Ended}, Active -> Ended, Ended is terminal.
func (s CallStatus) CanTransition(to CallStatus) bool {
	switch s {
	case CallWaiting:
		return to == CallActive || to == CallEnded
	case CallActive:
		return to == CallEnded
	default:
		return false
	}
}

type CallSession struct {
	ID            string     `json:"id"`
	AppointmentID *string    `json:"appointment_id,omitempty"`
	ClientID      string     `json:"client_id"`
	SpecialistID  string     `json:"specialist_id"`
	InitiatorID   string     `json:"initiator_id"`
	Status        CallStatus `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Counterpart returns the other participant from userID's point of view.
func (c *CallSession) Counterpart(userID string) string {
	if c.ClientID == userID {
		return c.SpecialistID
	}
	return c.ClientID
}

func (c *CallSession) HasParticipant(userID string) bool {
	return c.ClientID == userID || c.SpecialistID == userID
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
)

func (s InvitationStatus) Terminal() bool {
	return s == InvitationAccepted || s == InvitationDeclined
}

// MeetingHandle is what the external meeting provider returns for a provisioned meeting.
type MeetingHandle struct {
	MeetingID string `json:"meeting_id"`
	Topic     string `json:"topic"`
	JoinURL   string `json:"join_url"`
	Password  string `json:"password,omitempty"`
	StartURL  string `json:"start_url,omitempty"`
}

type MeetingInvitation struct {
	ID              string           `json:"id"`
	MeetingID       string           `json:"meeting_id"`
	Topic           string           `json:"topic"`
	JoinURL         string           `json:"join_url"`
	Password        string           `json:"password,omitempty"`
	DurationMinutes int              `json:"duration_minutes"`
	InviterID       string           `json:"inviter_id"`
	InviteeID       string           `json:"invitee_id"`
	Status          InvitationStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	RespondedAt     *time.Time       `json:"responded_at,omitempty"`
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type DeliveryMethod string

const (
	DeliveryPush  DeliveryMethod = "push"
	DeliveryEmail DeliveryMethod = "email"
	DeliverySMS   DeliveryMethod = "sms"
	DeliveryInApp DeliveryMethod = "in_app"
)

func HasMethod(methods []DeliveryMethod, m DeliveryMethod) bool {
	for _, x := range methods {
		if x == m {
			return true
		}
	}
	return false
}

const (
	TypeAppointmentReminder = "appointment_reminder"
	TypeMedicationReminder  = "medication_reminder"
	TypeGeneral             = "general"
)

// NotificationRecord is a delivered in-app notification. Rows are never
// deleted, only marked read.
type NotificationRecord struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Type            string           `json:"type"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	Priority        Priority         `json:"priority"`
	DeliveryMethods []DeliveryMethod `json:"delivery_methods"`
	ScheduledFor    *time.Time       `json:"scheduled_for,omitempty"`
	Read            bool             `json:"read"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NotificationRequest is the payload accepted by SendNow and ScheduleAt.
type NotificationRequest struct {
	Type            string           `json:"type"`
	Title           string           `json:"title" binding:"required"`
	Message         string           `json:"message" binding:"required"`
	Priority        Priority         `json:"priority"`
	DeliveryMethods []DeliveryMethod `json:"delivery_methods"`
}

// ScheduledNotification is the persisted form of a deferred notification.
type ScheduledNotification struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	Request      NotificationRequest `json:"request"`
	ScheduledFor time.Time           `json:"scheduled_for"`
	Sent         bool                `json:"sent"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Preferences are the per-user notification toggles and quiet-hours window.
// QuietStart and QuietEnd are "HH:MM" time-of-day strings.
type Preferences struct {
	UserID            string `json:"user_id"`
	Appointments      bool   `json:"appointments"`
	Medications       bool   `json:"medications"`
	QuietHoursEnabled bool   `json:"quiet_hours_enabled"`
	QuietStart        string `json:"quiet_start"`
	QuietEnd          string `json:"quiet_end"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

type StartCallRequest struct {
	CounterpartID string  `json:"counterpart_id" binding:"required"`
	AppointmentID *string `json:"appointment_id"`
}

type CreateMeetingRequest struct {
	Topic           string `json:"topic" binding:"required"`
	InviteeID       string `json:"invitee_id" binding:"required"`
	DurationMinutes int    `json:"duration_minutes"`
}

type RetryNotifyRequest struct {
	Handle          MeetingHandle `json:"handle" binding:"required"`
	InviteeID       string        `json:"invitee_id" binding:"required"`
	DurationMinutes int           `json:"duration_minutes"`
}

type RespondInvitationRequest struct {
	Accept bool `json:"accept"`
}

type JoinMeetingRequest struct {
	JoinURL string `json:"join_url" binding:"required"`
}

type ScheduleRequest struct {
	NotificationRequest
	ScheduledFor time.Time `json:"scheduled_for" binding:"required"`
}

type ReminderRequest struct {
	EventTime time.Time `json:"event_time" binding:"required"`
	Title     string    `json:"title" binding:"required"`
	Message   string    `json:"message"`
}

// ScheduleResponse describes what ScheduleAt or a reminder did: armed a
// timer, delivered immediately, or skipped because a preference is off.
type ScheduleResponse struct {
	TimerID      string              `json:"timer_id,omitempty"`
	Immediate    bool                `json:"immediate"`
	Skipped      bool                `json:"skipped,omitempty"`
	ScheduledFor time.Time           `json:"scheduled_for"`
	Notification *NotificationRecord `json:"notification,omitempty"`
}

// Contact is what the user directory knows about how to reach someone.
type Contact struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
}

// PushPermission mirrors the platform notification permission states.
type PushPermission string

const (
	PermissionDefault PushPermission = "default"
	PermissionGranted PushPermission = "granted"
	PermissionDenied  PushPermission = "denied"
)

type PushPermissionRequest struct {
	Decision PushPermission `json:"decision" binding:"required"`
}

type PreferencesRequest struct {
	Appointments      *bool   `json:"appointments"`
	Medications       *bool   `json:"medications"`
	QuietHoursEnabled *bool   `json:"quiet_hours_enabled"`
	QuietStart        *string `json:"quiet_start"`
	QuietEnd          *string `json:"quiet_end"`
}
