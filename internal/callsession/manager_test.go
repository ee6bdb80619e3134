package callsession

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/franzego/teleconsult/internal/apperrors"
	"github.com/franzego/teleconsult/internal/eventbus"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	alice = models.Identity{UserID: "alice", Role: models.RoleClient}
	bob   = models.Identity{UserID: "bob", Role: models.RoleSpecialist}
)

type fixture struct {
	store *store.Memory
	bus   *eventbus.MemoryBus
	clock *clock.Mock
}

func newFixture() *fixture {
	return &fixture{
		store: store.NewMemory(),
		bus:   eventbus.NewMemoryBus(),
		clock: mockClock(time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)),
	}
}

func (f *fixture) manager(t *testing.T, id models.Identity) *Manager {
	t.Helper()
	m, err := NewManager(id, f.store, f.bus, f.clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitSignal(t *testing.T, m *Manager, kind SignalKind) Signal {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case sig := <-m.Signals():
			if sig.Kind == kind {
				return sig
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func noSignal(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case sig := <-m.Signals():
		t.Fatalf("unexpected signal %s for %s", sig.Kind, sig.Session.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartCallValidatesParticipants(t *testing.T) {
	f := newFixture()
	m := f.manager(t, alice)

	_, err := m.StartCall(context.Background(), "", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParticipant)

	_, err = m.StartCall(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParticipant)

	_, err = NewManager(models.Identity{}, f.store, f.bus, f.clock, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParticipant)
}

func TestStartCallAssignsRolesFromInitiator(t *testing.T) {
	f := newFixture()
	appt := "appt-7"

	fromClient, err := f.manager(t, alice).StartCall(context.Background(), "bob", &appt)
	require.NoError(t, err)
	assert.Equal(t, "alice", fromClient.ClientID)
	assert.Equal(t, "bob", fromClient.SpecialistID)
	assert.Equal(t, models.CallWaiting, fromClient.Status)
	assert.Equal(t, f.clock.Now(), *fromClient.StartedAt)
	assert.Equal(t, &appt, fromClient.AppointmentID)

	fromSpecialist, err := f.manager(t, bob).StartCall(context.Background(), "carol", nil)
	require.NoError(t, err)
	assert.Equal(t, "carol", fromSpecialist.ClientID)
	assert.Equal(t, "bob", fromSpecialist.SpecialistID)
}

func TestStartCallSingleFlightPerPair(t *testing.T) {
	f := newFixture()
	a := f.manager(t, alice)
	b := f.manager(t, bob)

	s, err := a.StartCall(context.Background(), "bob", nil)
	require.NoError(t, err)

	_, err = b.StartCall(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, apperrors.ErrCallInProgress)

	require.NoError(t, a.EndCall(context.Background(), s.ID))
	_, err = b.StartCall(context.Background(), "alice", nil)
	assert.NoError(t, err)
}

func TestAnswerRaceExclusivity(t *testing.T) {
	f := newFixture()
	s, err := f.manager(t, alice).StartCall(context.Background(), "bob", nil)
	require.NoError(t, err)

	// several processes for the same callee race to answer
	const racers = 8
	managers := make([]*Manager, racers)
	for i := range managers {
		managers[i] = f.manager(t, bob)
	}

	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i, m := range managers {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			_, errs[i] = m.AnswerCall(context.Background(), s.ID)
		}(i, m)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrCallNoLongerAvailable)
	}
	assert.Equal(t, 1, wins)

	got, err := f.store.GetCallSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallActive, got.Status)
}

func TestAnswerRestampsStartedAt(t *testing.T) {
	f := newFixture()
	s, err := f.manager(t, alice).StartCall(context.Background(), "bob", nil)
	require.NoError(t, err)

	f.clock.Add(15 * time.Second)
	b := f.manager(t, bob)
	answered, err := b.AnswerCall(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), *answered.StartedAt)
	assert.Equal(t, s.ID, b.Active().ID)
}

func TestAnswerRejectsNonParticipant(t *testing.T) {
	f := newFixture()
	s, err := f.manager(t, alice).StartCall(context.Background(), "bob", nil)
	require.NoError(t, err)

	_, err = f.manager(t, models.Identity{UserID: "mallory", Role: models.RoleSpecialist}).AnswerCall(context.Background(), s.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParticipant)

	// the caller cannot answer their own outgoing call
	_, err = f.manager(t, alice).AnswerCall(context.Background(), s.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParticipant)
	got, err := f.store.GetCallSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallWaiting, got.Status)

	_, err = f.manager(t, bob).AnswerCall(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeclineAndEndAreIdempotent(t *testing.T) {
	f := newFixture()
	a := f.manager(t, alice)
	b := f.manager(t, bob)
	ctx := context.Background()

	declined, err := a.StartCall(ctx, "bob", nil)
	require.NoError(t, err)
	require.NoError(t, b.DeclineCall(ctx, declined.ID))
	require.NoError(t, b.DeclineCall(ctx, declined.ID))
	require.NoError(t, a.EndCall(ctx, declined.ID))

	got, err := f.store.GetCallSession(ctx, declined.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, got.Status)
	endedAt := *got.EndedAt

	f.clock.Add(time.Minute)
	require.NoError(t, a.EndCall(ctx, declined.ID))
	got, err = f.store.GetCallSession(ctx, declined.ID)
	require.NoError(t, err)
	assert.Equal(t, endedAt, *got.EndedAt)

	_, err = b.AnswerCall(ctx, declined.ID)
	assert.ErrorIs(t, err, apperrors.ErrCallNoLongerAvailable)

	assert.ErrorIs(t, a.EndCall(ctx, "missing"), apperrors.ErrNotFound)
}

func TestStateMachineClosure(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for run := 0; run < 50; run++ {
		f := newFixture()
		a := f.manager(t, alice)
		b := f.manager(t, bob)
		s, err := a.StartCall(ctx, "bob", nil)
		require.NoError(t, err)

		ended := false
		for step := 0; step < 6; step++ {
			switch rng.Intn(3) {
			case 0:
				_, err = b.AnswerCall(ctx, s.ID)
				if err != nil {
					assert.ErrorIs(t, err, apperrors.ErrCallNoLongerAvailable)
				}
			case 1:
				assert.NoError(t, b.DeclineCall(ctx, s.ID))
			case 2:
				assert.NoError(t, a.EndCall(ctx, s.ID))
			}
			got, err := f.store.GetCallSession(ctx, s.ID)
			require.NoError(t, err)
			assert.Contains(t, []models.CallStatus{models.CallWaiting, models.CallActive, models.CallEnded}, got.Status)
			if ended {
				assert.Equal(t, models.CallEnded, got.Status, "left ended state")
			}
			ended = got.Status == models.CallEnded
		}
	}
}

func TestCallScenarioAcrossProcesses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.manager(t, alice)
	b := f.manager(t, bob)
	require.NoError(t, a.Watch(ctx))
	require.NoError(t, b.Watch(ctx))

	s, err := a.StartCall(ctx, "bob", nil)
	require.NoError(t, err)
	assert.Len(t, a.Outgoing(), 1)

	incoming := waitSignal(t, b, SignalIncoming)
	assert.Equal(t, s.ID, incoming.Session.ID)
	require.Len(t, b.Incoming(), 1)

	_, err = b.AnswerCall(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, b.Incoming())

	waitSignal(t, a, SignalActive)
	assert.Empty(t, a.Outgoing())
	require.NotNil(t, a.Active())
	assert.Equal(t, s.ID, a.Active().ID)

	f.clock.Add(10 * time.Minute)
	require.NoError(t, a.EndCall(ctx, s.ID))
	waitSignal(t, b, SignalEnded)
	assert.Nil(t, b.Active())
	assert.Nil(t, a.Active())

	got, err := f.store.GetCallSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, got.Status)
	assert.Equal(t, f.clock.Now(), *got.EndedAt)
}

func TestIncomingDeduplicatedUnderRedelivery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b := f.manager(t, bob)
	require.NoError(t, b.Watch(ctx))

	s, err := f.manager(t, alice).StartCall(ctx, "bob", nil)
	require.NoError(t, err)
	waitSignal(t, b, SignalIncoming)

	ev, err := sessionEvent(eventbus.OpInsert, s)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, ev))
	require.NoError(t, f.bus.Publish(ctx, ev))

	noSignal(t, b)
	assert.Len(t, b.Incoming(), 1)
}

func TestWatchSeedsOpenSessions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, err := f.manager(t, alice).StartCall(ctx, "bob", nil)
	require.NoError(t, err)

	b := f.manager(t, bob)
	require.NoError(t, b.Watch(ctx))
	require.Len(t, b.Incoming(), 1)
	assert.Equal(t, s.ID, b.Incoming()[0].ID)
	assert.ErrorIs(t, b.Watch(ctx), ErrAlreadyWatching)
}

func TestConcurrentWatchStartsOneLoop(t *testing.T) {
	f := newFixture()
	b := f.manager(t, bob)

	const callers = 8
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { results <- b.Watch(context.Background()) }()
	}
	var started, refused int
	for i := 0; i < callers; i++ {
		switch err := <-results; {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyWatching):
			refused++
		default:
			t.Fatalf("unexpected watch error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, callers-1, refused)

	_, err := f.manager(t, alice).StartCall(context.Background(), "bob", nil)
	require.NoError(t, err)
	waitSignal(t, b, SignalIncoming)
	noSignal(t, b)
}

func TestWatchAfterCloseFails(t *testing.T) {
	f := newFixture()
	b := f.manager(t, bob)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Watch(context.Background()), ErrClosed)

	// a later insert must not reach the closed signal channel
	_, err := f.manager(t, alice).StartCall(context.Background(), "bob", nil)
	require.NoError(t, err)
	_, open := <-b.Signals()
	assert.False(t, open)
}

func TestCloseClearsState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b := f.manager(t, bob)
	require.NoError(t, b.Watch(ctx))
	_, err := f.manager(t, alice).StartCall(ctx, "bob", nil)
	require.NoError(t, err)
	waitSignal(t, b, SignalIncoming)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Empty(t, b.Incoming())
	_, open := <-b.Signals()
	assert.False(t, open)
}

type failingBus struct{ eventbus.Bus }

func (failingBus) Publish(context.Context, eventbus.Event) error {
	return errors.New("bus down")
}

func TestStartCallEndsSessionWhenAnnounceFails(t *testing.T) {
	f := newFixture()
	m, err := NewManager(alice, f.store, failingBus{f.bus}, f.clock, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.StartCall(context.Background(), "bob", nil)
	assert.ErrorIs(t, err, apperrors.ErrNotificationDeliveryFailed)

	open, err := f.store.ListOpenCallSessions(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func mockClock(start time.Time) *clock.Mock {
	m := clock.NewMock()
	m.Set(start)
	return m
}
