package meeting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/franzego/teleconsult/internal/apperrors"
	"github.com/franzego/teleconsult/internal/eventbus"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var (
	specialist = models.Identity{UserID: "dr-kim", Role: models.RoleSpecialist}
	client     = models.Identity{UserID: "wanjiru", Role: models.RoleClient}
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateMeeting(ctx context.Context, topic string, durationMinutes int) (*models.MeetingHandle, error) {
	args := m.Called(ctx, topic, durationMinutes)
	if h := args.Get(0); h != nil {
		return h.(*models.MeetingHandle), args.Error(1)
	}
	return nil, args.Error(1)
}

// flakyStore fails CreateInvitation a set number of times.
type flakyStore struct {
	*store.Memory
	failures int
}

func (s *flakyStore) CreateInvitation(ctx context.Context, inv *models.MeetingInvitation) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.Memory.CreateInvitation(ctx, inv)
}

type fixture struct {
	store *store.Memory
	bus   *eventbus.MemoryBus
	clock *clock.Mock
}

func newFixture() *fixture {
	return &fixture{
		store: store.NewMemory(),
		bus:   eventbus.NewMemoryBus(),
		clock: mockClock(time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC)),
	}
}

func (f *fixture) broker(t *testing.T, id models.Identity, p Provider) *Broker {
	t.Helper()
	b, err := NewBroker(id, p, f.store, f.bus, f.clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func handle() *models.MeetingHandle {
	return &models.MeetingHandle{
		MeetingID: "84512399012",
		Topic:     "Follow-up consultation",
		JoinURL:   "https://meet.example.com/j/84512399012",
		Password:  "k3y",
	}
}

func waitSignal(t *testing.T, b *Broker, kind SignalKind) Signal {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case sig := <-b.Signals():
			if sig.Kind == kind {
				return sig
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestCreateMeetingRecordsPendingInvitation(t *testing.T) {
	f := newFixture()
	provider := new(MockProvider)
	provider.On("CreateMeeting", mock.Anything, "Follow-up consultation", 60).Return(handle(), nil)

	b := f.broker(t, specialist, provider)
	inv, err := b.CreateMeeting(context.Background(), "Follow-up consultation", client.UserID, 0)
	require.NoError(t, err)

	assert.Equal(t, models.InvitationPending, inv.Status)
	assert.Equal(t, specialist.UserID, inv.InviterID)
	assert.Equal(t, client.UserID, inv.InviteeID)
	assert.Equal(t, 60, inv.DurationMinutes)
	assert.Equal(t, "k3y", inv.Password)

	stored, err := f.store.GetInvitation(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.MeetingID, stored.MeetingID)
	assert.Equal(t, handle().JoinURL, b.Current().JoinURL)
	provider.AssertExpectations(t)
}

func TestCreateMeetingProviderFailureWritesNothing(t *testing.T) {
	f := newFixture()
	provider := new(MockProvider)
	provider.On("CreateMeeting", mock.Anything, "t", 30).Return(nil, errors.New("503"))

	b := f.broker(t, specialist, provider)
	_, err := b.CreateMeeting(context.Background(), "t", client.UserID, 30)
	assert.ErrorIs(t, err, apperrors.ErrProviderUnavailable)

	pending, err := f.store.ListPendingInvitations(context.Background(), client.UserID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Nil(t, b.Current())
}

func TestCreateMeetingRejectsBadInvitee(t *testing.T) {
	f := newFixture()
	provider := new(MockProvider)
	b := f.broker(t, specialist, provider)

	_, err := b.CreateMeeting(context.Background(), "t", "", 30)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParticipant)
	_, err = b.CreateMeeting(context.Background(), "t", specialist.UserID, 30)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParticipant)
	provider.AssertNotCalled(t, "CreateMeeting", mock.Anything, mock.Anything, mock.Anything)
}

func TestPersistFailureSurfacesPendingNotifyAndRetrySucceeds(t *testing.T) {
	f := newFixture()
	provider := new(MockProvider)
	provider.On("CreateMeeting", mock.Anything, "Follow-up consultation", 45).Return(handle(), nil).Once()

	core, logs := observer.New(zap.ErrorLevel)
	flaky := &flakyStore{Memory: f.store, failures: 1}
	b, err := NewBroker(specialist, provider, flaky, f.bus, f.clock, zap.New(core))
	require.NoError(t, err)
	defer b.Close()

	_, err = b.CreateMeeting(context.Background(), "Follow-up consultation", client.UserID, 45)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotificationDeliveryFailed)

	var pending *PendingNotifyError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, "84512399012", pending.Invitation.MeetingID)

	entries := logs.FilterMessage("meeting provisioned but invitation not recorded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "84512399012", entries[0].ContextMap()["meeting_id"])
	assert.Equal(t, client.UserID, entries[0].ContextMap()["invitee_id"])

	inv, err := b.RetryNotify(context.Background(), *handle(), client.UserID, 45)
	require.NoError(t, err)
	assert.Equal(t, pending.Invitation.ID, inv.ID)

	// a second retry lands on the same row
	again, err := b.RetryNotify(context.Background(), *handle(), client.UserID, 45)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, again.ID)

	all, err := f.store.ListPendingInvitations(context.Background(), client.UserID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	provider.AssertNumberOfCalls(t, "CreateMeeting", 1)
}

func TestRespondToInvitationIsIdempotent(t *testing.T) {
	f := newFixture()
	provider := new(MockProvider)
	provider.On("CreateMeeting", mock.Anything, mock.Anything, mock.Anything).Return(handle(), nil)

	host := f.broker(t, specialist, provider)
	guest := f.broker(t, client, provider)

	inv, err := host.CreateMeeting(context.Background(), "Follow-up consultation", client.UserID, 0)
	require.NoError(t, err)

	_, err = host.RespondToInvitation(context.Background(), inv.ID, true)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParticipant)

	accepted, err := guest.RespondToInvitation(context.Background(), inv.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationAccepted, accepted.Status)
	assert.Equal(t, handle().JoinURL, guest.Current().JoinURL)

	again, err := guest.RespondToInvitation(context.Background(), inv.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationAccepted, again.Status)

	_, err = guest.RespondToInvitation(context.Background(), "missing", true)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInviteeObservesInvitationAndInviterObservesResponse(t *testing.T) {
	f := newFixture()
	provider := new(MockProvider)
	provider.On("CreateMeeting", mock.Anything, mock.Anything, mock.Anything).Return(handle(), nil)

	host := f.broker(t, specialist, provider)
	guest := f.broker(t, client, provider)
	require.NoError(t, host.Watch(context.Background()))
	require.NoError(t, guest.Watch(context.Background()))

	inv, err := host.CreateMeeting(context.Background(), "Follow-up consultation", client.UserID, 0)
	require.NoError(t, err)

	sig := waitSignal(t, guest, SignalInvited)
	assert.Equal(t, inv.ID, sig.Invitation.ID)
	require.Len(t, guest.Pending(), 1)

	_, err = guest.RespondToInvitation(context.Background(), inv.ID, false)
	require.NoError(t, err)

	sig = waitSignal(t, host, SignalResponded)
	assert.Equal(t, models.InvitationDeclined, sig.Invitation.Status)
	assert.Empty(t, guest.Pending())
}

func TestWatchSeedsPendingInvitations(t *testing.T) {
	f := newFixture()
	provider := new(MockProvider)
	provider.On("CreateMeeting", mock.Anything, mock.Anything, mock.Anything).Return(handle(), nil)

	host := f.broker(t, specialist, provider)
	_, err := host.CreateMeeting(context.Background(), "Follow-up consultation", client.UserID, 0)
	require.NoError(t, err)

	guest := f.broker(t, client, provider)
	require.NoError(t, guest.Watch(context.Background()))
	assert.Len(t, guest.Pending(), 1)
	assert.ErrorIs(t, guest.Watch(context.Background()), ErrAlreadyWatching)
}

func TestWatchAfterCloseFails(t *testing.T) {
	f := newFixture()
	b := f.broker(t, client, new(MockProvider))
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Watch(context.Background()), ErrClosed)
	_, open := <-b.Signals()
	assert.False(t, open)
}

func TestJoinAndEndMeeting(t *testing.T) {
	f := newFixture()
	b := f.broker(t, client, new(MockProvider))

	_, err := b.JoinMeeting("not a url")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	_, err = b.JoinMeeting("ftp://meet.example.com/j/1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	target, err := b.JoinMeeting("https://meet.example.com/j/1")
	require.NoError(t, err)
	assert.Equal(t, "https://meet.example.com/j/1", target)
	require.NotNil(t, b.Current())

	b.EndMeeting()
	assert.Nil(t, b.Current())
}

func mockClock(start time.Time) *clock.Mock {
	m := clock.NewMock()
	m.Set(start)
	return m
}
