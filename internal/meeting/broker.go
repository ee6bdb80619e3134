// Package meeting provisions third-party meetings and records the invitation
// that tells the counterpart a meeting is waiting for them.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"net/url"
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

const DefaultDurationMinutes = 60

// Provider is the external meeting capability.
type Provider interface {
	CreateMeeting(ctx context.Context, topic string, durationMinutes int) (*models.MeetingHandle, error)
}

// PendingNotifyError is returned when the meeting exists provider-side but
// the invitee was never told about it. Invitation holds everything RetryNotify
// needs; it matches apperrors.ErrNotificationDeliveryFailed under errors.Is.
type PendingNotifyError struct {
	Invitation models.MeetingInvitation
	Err        error
}

func (e *PendingNotifyError) Error() string {
	return fmt.Sprintf("meeting %s provisioned but invitee %s not notified: %v",
		e.Invitation.MeetingID, e.Invitation.InviteeID, e.Err)
}

func (e *PendingNotifyError) Unwrap() error {
	return apperrors.Wrap(apperrors.CodeNotificationDeliveryFailed, "record meeting invitation", e.Err)
}

type SignalKind string

const (
	SignalInvited   SignalKind = "meeting_invitation"
	SignalResponded SignalKind = "invitation_responded"
)

type Signal struct {
	Kind       SignalKind               `json:"kind"`
	Invitation models.MeetingInvitation `json:"invitation"`
}

const signalBuffer = 32

type Broker struct {
	identity models.Identity
	provider Provider
	store    store.InvitationStore
	bus      eventbus.Bus
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	current *models.MeetingHandle
	pending map[string]models.MeetingInvitation
	// invitation ids already surfaced, keyed to the last status acted on
	seen map[string]models.InvitationStatus

	signals   chan Signal
	watching  bool
	closed    bool
	sub       eventbus.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewBroker(identity models.Identity, provider Provider, st store.InvitationStore, bus eventbus.Bus, clk clock.Clock, log *zap.Logger) (*Broker, error) {
	if identity.UserID == "" {
		return nil, apperrors.ErrInvalidParticipant
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Broker{
		identity: identity,
		provider: provider,
		store:    st,
		bus:      bus,
		clock:    clk,
		logger:   logger.ForUser(log, "meeting", identity.UserID),
		pending:  make(map[string]models.MeetingInvitation),
		seen:     make(map[string]models.InvitationStatus),
		signals:  make(chan Signal, signalBuffer),
	}, nil
}

// invitationID is derived from the meeting and invitee so a retried notify
// step lands on the same row.
func invitationID(meetingID, inviteeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("meeting:"+meetingID+":"+inviteeID)).String()
}

func invitationEvent(op eventbus.Operation, inv *models.MeetingInvitation) (eventbus.Event, error) {
	return eventbus.NewEvent(eventbus.TableMeetingInvitations, op, inv, map[string]string{
		"id":         inv.ID,
		"inviter_id": inv.InviterID,
		"invitee_id": inv.InviteeID,
	})
}

func (b *Broker) publish(ctx context.Context, op eventbus.Operation, inv *models.MeetingInvitation) error {
	ev, err := invitationEvent(op, inv)
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, ev)
}

// CreateMeeting provisions a meeting and records a pending invitation for the
// invitee. Provider failures leave nothing written locally.
func (b *Broker) CreateMeeting(ctx context.Context, topic, inviteeID string, durationMinutes int) (*models.MeetingInvitation, error) {
	if inviteeID == "" || inviteeID == b.identity.UserID {
		return nil, apperrors.ErrInvalidParticipant
	}
	if durationMinutes <= 0 {
		durationMinutes = DefaultDurationMinutes
	}

	handle, err := b.provider.CreateMeeting(ctx, topic, durationMinutes)
	if err != nil {
		metrics.MeetingsCreated.WithLabelValues("provider_error").Inc()
		b.logger.Warn("meeting provider failed", zap.String("topic", topic), zap.Error(err))
		return nil, apperrors.Wrap(apperrors.CodeProviderUnavailable, "create meeting", err)
	}
	if handle.Topic == "" {
		handle.Topic = topic
	}

	inv := b.newInvitation(handle, inviteeID, durationMinutes)
	b.setCurrent(handle)

	if err := b.record(ctx, inv); err != nil {
		metrics.MeetingsCreated.WithLabelValues("notify_failed").Inc()
		b.logger.Error("meeting provisioned but invitation not recorded",
			zap.String("meeting_id", handle.MeetingID),
			zap.String("invitee_id", inviteeID),
			zap.Error(err),
		)
		return nil, &PendingNotifyError{Invitation: *inv, Err: err}
	}

	metrics.MeetingsCreated.WithLabelValues("ok").Inc()
	b.logger.Info("meeting created",
		zap.String("meeting_id", handle.MeetingID), zap.String("invitee_id", inviteeID))
	return inv, nil
}

// RetryNotify repeats the invitation write and announcement for a meeting
// that was already provisioned. It never calls the provider.
func (b *Broker) RetryNotify(ctx context.Context, handle models.MeetingHandle, inviteeID string, durationMinutes int) (*models.MeetingInvitation, error) {
	if inviteeID == "" || inviteeID == b.identity.UserID {
		return nil, apperrors.ErrInvalidParticipant
	}
	if handle.MeetingID == "" || handle.JoinURL == "" {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "meeting handle needs an id and join url", nil)
	}
	if durationMinutes <= 0 {
		durationMinutes = DefaultDurationMinutes
	}

	inv := b.newInvitation(&handle, inviteeID, durationMinutes)
	if err := b.record(ctx, inv); err != nil {
		b.logger.Error("meeting provisioned but invitation not recorded",
			zap.String("meeting_id", handle.MeetingID),
			zap.String("invitee_id", inviteeID),
			zap.Error(err),
		)
		return nil, &PendingNotifyError{Invitation: *inv, Err: err}
	}
	b.logger.Info("meeting invitation re-sent",
		zap.String("meeting_id", handle.MeetingID), zap.String("invitee_id", inviteeID))
	return inv, nil
}

func (b *Broker) newInvitation(handle *models.MeetingHandle, inviteeID string, durationMinutes int) *models.MeetingInvitation {
	return &models.MeetingInvitation{
		ID:              invitationID(handle.MeetingID, inviteeID),
		MeetingID:       handle.MeetingID,
		Topic:           handle.Topic,
		JoinURL:         handle.JoinURL,
		Password:        handle.Password,
		DurationMinutes: durationMinutes,
		InviterID:       b.identity.UserID,
		InviteeID:       inviteeID,
		Status:          models.InvitationPending,
		CreatedAt:       b.clock.Now(),
	}
}

// record writes the invitation unless a previous attempt already did, then
// announces it on the bus.
func (b *Broker) record(ctx context.Context, inv *models.MeetingInvitation) error {
	existing, err := b.store.GetInvitation(ctx, inv.ID)
	switch {
	case err == nil:
		*inv = *existing
		if inv.Status.Terminal() {
			return nil
		}
	case errors.Is(err, store.ErrNotFound):
		if err := b.store.CreateInvitation(ctx, inv); err != nil {
			return err
		}
	default:
		return err
	}
	return b.publish(ctx, eventbus.OpInsert, inv)
}

// RespondToInvitation accepts or declines a pending invitation addressed to
// this identity. Responding to one that is already terminal is a no-op.
func (b *Broker) RespondToInvitation(ctx context.Context, invitationID string, accept bool) (*models.MeetingInvitation, error) {
	current, err := b.store.GetInvitation(ctx, invitationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, "meeting invitation not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("respond to invitation: %w", err)
	}
	if current.InviteeID != b.identity.UserID {
		return nil, apperrors.ErrInvalidParticipant
	}

	status := models.InvitationDeclined
	if accept {
		status = models.InvitationAccepted
	}
	inv, err := b.store.RespondInvitation(ctx, invitationID, status, b.clock.Now())
	if errors.Is(err, store.ErrConditionFailed) {
		b.forget(invitationID)
		latest, getErr := b.store.GetInvitation(ctx, invitationID)
		if getErr != nil {
			return current, nil
		}
		return latest, nil
	}
	if err != nil {
		return nil, fmt.Errorf("respond to invitation: %w", err)
	}
	b.forget(invitationID)

	if accept {
		b.setCurrent(&models.MeetingHandle{
			MeetingID: inv.MeetingID,
			Topic:     inv.Topic,
			JoinURL:   inv.JoinURL,
			Password:  inv.Password,
		})
	}
	if err := b.publish(ctx, eventbus.OpUpdate, inv); err != nil {
		b.logger.Error("failed to publish invitation response",
			zap.String("invitation_id", invitationID), zap.Error(err))
	}
	b.logger.Info("invitation answered",
		zap.String("invitation_id", invitationID), zap.String("status", string(status)))
	return inv, nil
}

// JoinMeeting validates the join target and makes it the current meeting.
// The caller opens the returned URL.
func (b *Broker) JoinMeeting(joinURL string) (string, error) {
	u, err := url.Parse(joinURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", apperrors.Wrap(apperrors.CodeInvalidRequest, "join url must be an absolute http(s) url", err)
	}

	b.mu.Lock()
	if b.current == nil || b.current.JoinURL != joinURL {
		b.current = &models.MeetingHandle{JoinURL: joinURL}
	}
	b.mu.Unlock()
	return u.String(), nil
}

// EndMeeting clears the local current meeting. The provider resource is left
// to expire on its own.
func (b *Broker) EndMeeting() {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
}

func (b *Broker) Current() *models.MeetingHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil
	}
	h := *b.current
	return &h
}

// Pending returns invitations addressed to this identity awaiting a response.
func (b *Broker) Pending() []models.MeetingInvitation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.MeetingInvitation, 0, len(b.pending))
	for _, inv := range b.pending {
		out = append(out, inv)
	}
	return out
}

func (b *Broker) Signals() <-chan Signal {
	return b.signals
}

func (b *Broker) setCurrent(h *models.MeetingHandle) {
	b.mu.Lock()
	c := *h
	b.current = &c
	b.mu.Unlock()
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
