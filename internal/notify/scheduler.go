// Package notify delivers in-app notifications now or at a later time for
// one authenticated identity, honoring that user's preferences and quiet
// hours. Timers live only in this process and are rebuilt from the store by
// Rehydrate.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/franzego/teleconsult/internal/apperrors"
	"github.com/franzego/teleconsult/internal/logger"
	"github.com/franzego/teleconsult/internal/metrics"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	store.NotificationStore
	store.ScheduledStore
	store.PreferencesStore
}

type UnreadCounter interface {
	Incr(ctx context.Context, userID string) error
	Decr(ctx context.Context, userID string) error
	Set(ctx context.Context, userID string, n int64) error
	Get(ctx context.Context, userID string) (int64, bool, error)
}

// Claimer arbitrates which replica fires a scheduled notification. A claim
// is released when the fire fails so a retry can take it again.
type Claimer interface {
	Claim(ctx context.Context, scheduledID string) (bool, error)
	Release(ctx context.Context, scheduledID string) error
}

// Sender delivers a record over one external channel.
type Sender interface {
	Method() models.DeliveryMethod
	Send(ctx context.Context, rec models.NotificationRecord) error
}

type PushSink interface {
	Permission(ctx context.Context, userID string) (models.PushPermission, error)
	SetPermission(ctx context.Context, userID string, perm models.PushPermission) error
	Push(ctx context.Context, rec models.NotificationRecord) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, userID string, payload interface{}) error
}

type Options struct {
	AppointmentLead time.Duration
	MedicationLead  time.Duration
	// RetryBackoff is the delay before the first retry of a failed fire.
	// It doubles on every further attempt.
	RetryBackoff    time.Duration
	MaxAttempts     int
	// CatchUpWindow bounds how late Rehydrate still delivers a missed
	// fire. Older unsent rows are expired.
	CatchUpWindow   time.Duration
	Counter         UnreadCounter
	Claimer         Claimer
	Push            PushSink
	Senders         []Sender
	Broadcaster     Broadcaster
}

const (
	signalBuffer  = 64
	sendTimeout   = 15 * time.Second
	fireTimeout   = 30 * time.Second
	claimTimeout  = 5 * time.Second
	DefaultLimit  = 50
	SignalUpdated = "notification_received"
)

type Signal struct {
	Kind         string                     `json:"kind"`
	Notification *models.NotificationRecord `json:"notification,omitempty"`
}

type armed struct {
	timer    *clock.Timer
	sched    models.ScheduledNotification
	attempts int
}

type Scheduler struct {
	identity models.Identity
	store    Store
	clock    clock.Clock
	logger   *zap.Logger
	opts     Options

	mu     sync.Mutex
	timers map[string]*armed
	closed bool

	// ctx is cancelled by Close and parents every timer fire.
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	sends    sync.WaitGroup

	signals   chan Signal
	closeOnce sync.Once
}

func NewScheduler(identity models.Identity, st Store, clk clock.Clock, log *zap.Logger, opts Options) (*Scheduler, error) {
	if identity.UserID == "" {
		return nil, apperrors.ErrInvalidParticipant
	}
	if clk == nil {
		clk = clock.New()
	}
	if opts.AppointmentLead <= 0 {
		opts.AppointmentLead = time.Hour
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.CatchUpWindow <= 0 {
		opts.CatchUpWindow = 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		identity: identity,
		store:    st,
		clock:    clk,
		logger:   logger.ForUser(log, "notify", identity.UserID),
		opts:     opts,
		timers:   make(map[string]*armed),
		ctx:      ctx,
		cancel:   cancel,
		signals:  make(chan Signal, signalBuffer),
	}, nil
}

func normalize(req models.NotificationRequest) (models.NotificationRequest, error) {
	if req.Title == "" || req.Message == "" {
		return req, apperrors.Wrap(apperrors.CodeInvalidRequest, "title and message are required", nil)
	}
	if req.Type == "" {
		req.Type = models.TypeGeneral
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !req.Priority.Valid() {
		return req, apperrors.Wrap(apperrors.CodeInvalidRequest, fmt.Sprintf("unknown priority %q", req.Priority), nil)
	}
	if len(req.DeliveryMethods) == 0 {
		req.DeliveryMethods = []models.DeliveryMethod{models.DeliveryInApp}
	}
	for _, m := range req.DeliveryMethods {
		switch m {
		case models.DeliveryPush, models.DeliveryEmail, models.DeliverySMS, models.DeliveryInApp:
		default:
			return req, apperrors.Wrap(apperrors.CodeInvalidRequest, fmt.Sprintf("unknown delivery method %q", m), nil)
		}
	}
	return req, nil
}

// SendNow delivers immediately. During quiet hours anything below critical
// is dropped: the returned record is nil and nothing is stored.
func (s *Scheduler) SendNow(ctx context.Context, req models.NotificationRequest) (*models.NotificationRecord, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, req, nil)
}

// ScheduleAt arms a timer for when. A time at or before now is delivered
// immediately through SendNow and no timer is created.
func (s *Scheduler) ScheduleAt(ctx context.Context, req models.NotificationRequest, when time.Time) (*models.ScheduleResponse, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !when.After(now) {
		rec, err := s.deliver(ctx, req, nil)
		if err != nil {
			return nil, err
		}
		return &models.ScheduleResponse{Immediate: true, ScheduledFor: now, Notification: rec}, nil
	}

	sn := models.ScheduledNotification{
		ID:           uuid.New().String(),
		UserID:       s.identity.UserID,
		Request:      req,
		ScheduledFor: when,
		CreatedAt:    now,
	}
	if err := s.store.InsertScheduled(ctx, &sn); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotificationDeliveryFailed, "persist scheduled notification", err)
	}
	if err := s.arm(&armed{sched: sn}, sn.ScheduledFor.Sub(now)); err != nil {
		return nil, err
	}

	s.logger.Info("notification scheduled",
		zap.String("timer_id", sn.ID), zap.Time("scheduled_for", when))
	return &models.ScheduleResponse{TimerID: sn.ID, ScheduledFor: when}, nil
}

var errClosed = errors.New("notify: scheduler closed")

// arm starts a timer for a after delay. A non-positive delay fires on the
// next clock tick.
func (s *Scheduler) arm(a *armed, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	id := a.sched.ID
	if _, exists := s.timers[id]; exists {
		return nil
	}
	s.timers[id] = a
	a.timer = s.clock.AfterFunc(delay, func() { s.fire(id) })
	metrics.TimersArmed.Inc()
	return nil
}

// begin registers work that Close must wait for. It fails once Close has
// started.
func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.inflight.Add(1)
	return nil
}

// CancelScheduled stops a local timer. The persisted row is left unsent, so
// a restart before its time re-arms it. Reports whether a timer was armed.
func (s *Scheduler) CancelScheduled(timerID string) bool {
	s.mu.Lock()
	a, ok := s.timers[timerID]
	if ok {
		delete(s.timers, timerID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	metrics.TimersArmed.Dec()
	s.logger.Info("scheduled notification cancelled", zap.String("timer_id", timerID))
	return true
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	a, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.TimersArmed.Dec()
	if err := s.begin(); err != nil {
		return
	}
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(s.ctx, fireTimeout)
	defer cancel()

	if s.opts.Claimer != nil {
		won, err := s.opts.Claimer.Claim(ctx, id)
		if err != nil {
			s.logger.Warn("fire claim failed, delivering anyway", zap.String("timer_id", id), zap.Error(err))
		} else if !won {
			s.logger.Debug("scheduled notification fired elsewhere", zap.String("timer_id", id))
			return
		}
	}

	when := a.sched.ScheduledFor
	_, err := s.deliver(ctx, a.sched.Request, &when)
	if err == nil {
		if err := s.store.MarkScheduledSent(ctx, id); err != nil {
			s.logger.Error("failed to mark scheduled notification sent", zap.String("timer_id", id), zap.Error(err))
		}
		return
	}

	s.release(ctx, id)
	if errors.Is(err, errClosed) || s.ctx.Err() != nil {
		s.logger.Info("scheduled delivery abandoned on close", zap.String("timer_id", id))
		return
	}
	a.attempts++
	if a.attempts >= s.opts.MaxAttempts {
		s.logger.Error("scheduled delivery failed, left for rehydrate",
			zap.String("timer_id", id), zap.Int("attempts", a.attempts), zap.Error(err))
		return
	}
	backoff := s.opts.RetryBackoff << (a.attempts - 1)
	s.logger.Warn("scheduled delivery failed, retrying",
		zap.String("timer_id", id), zap.Int("attempts", a.attempts), zap.Duration("backoff", backoff), zap.Error(err))
	if err := s.arm(a, backoff); err != nil && !errors.Is(err, errClosed) {
		s.logger.Error("failed to re-arm scheduled notification", zap.String("timer_id", id), zap.Error(err))
	}
}

func (s *Scheduler) release(ctx context.Context, id string) {
	if s.opts.Claimer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), claimTimeout)
	defer cancel()
	if err := s.opts.Claimer.Release(ctx, id); err != nil {
		s.logger.Warn("failed to release fire claim", zap.String("timer_id", id), zap.Error(err))
	}
}

// ScheduleAppointmentReminder schedules a reminder the configured lead time
// before the appointment. It is skipped when the user has appointment
// reminders turned off at the time of scheduling.
func (s *Scheduler) ScheduleAppointmentReminder(ctx context.Context, eventTime time.Time, title, message string) (*models.ScheduleResponse, error) {
	prefs, err := s.store.GetPreferences(ctx, s.identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	when := eventTime.Add(-s.opts.AppointmentLead)
	if !prefs.Appointments {
		s.logger.Info("appointment reminder skipped by preference")
		return &models.ScheduleResponse{Skipped: true, ScheduledFor: when}, nil
	}
	return s.ScheduleAt(ctx, models.NotificationRequest{
		Type:            models.TypeAppointmentReminder,
		Title:           title,
		Message:         message,
		Priority:        models.PriorityHigh,
		DeliveryMethods: []models.DeliveryMethod{models.DeliveryInApp, models.DeliveryPush, models.DeliveryEmail},
	}, when)
}

// ScheduleMedicationReminder is the medication counterpart of
// ScheduleAppointmentReminder.
func (s *Scheduler) ScheduleMedicationReminder(ctx context.Context, doseTime time.Time, title, message string) (*models.ScheduleResponse, error) {
	prefs, err := s.store.GetPreferences(ctx, s.identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	when := doseTime.Add(-s.opts.MedicationLead)
	if !prefs.Medications {
		s.logger.Info("medication reminder skipped by preference")
		return &models.ScheduleResponse{Skipped: true, ScheduledFor: when}, nil
	}
	return s.ScheduleAt(ctx, models.NotificationRequest{
		Type:            models.TypeMedicationReminder,
		Title:           title,
		Message:         message,
		Priority:        models.PriorityHigh,
		DeliveryMethods: []models.DeliveryMethod{models.DeliveryInApp, models.DeliveryPush, models.DeliverySMS},
	}, when)
}

// Rehydrate re-arms timers for persisted notifications that are still
// unsent. Rows whose time passed within CatchUpWindow fire right away; older
// ones are expired without delivery. Rows already armed are left alone.
func (s *Scheduler) Rehydrate(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingScheduled(ctx, s.identity.UserID, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("list pending scheduled notifications: %w", err)
	}
	now := s.clock.Now()
	cutoff := now.Add(-s.opts.CatchUpWindow)
	n, expired := 0, 0
	for _, sn := range pending {
		if sn.ScheduledFor.Before(cutoff) {
			if err := s.store.MarkScheduledSent(ctx, sn.ID); err != nil {
				return n, fmt.Errorf("expire scheduled notification: %w", err)
			}
			s.logger.Warn("scheduled notification expired unsent",
				zap.String("timer_id", sn.ID), zap.Time("scheduled_for", sn.ScheduledFor))
			expired++
			continue
		}
		s.mu.Lock()
		_, exists := s.timers[sn.ID]
		s.mu.Unlock()
		if exists {
			continue
		}
		if err := s.arm(&armed{sched: sn}, sn.ScheduledFor.Sub(now)); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 || expired > 0 {
		s.logger.Info("rehydrated scheduled notifications", zap.Int("count", n), zap.Int("expired", expired))
	}
	return n, nil
}

// Armed returns the ids of timers currently armed in this process.
func (s *Scheduler) Armed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.timers))
	for id := range s.timers {
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) Signals() <-chan Signal {
	return s.signals
}

// Refresh surfaces a change made by another instance of this user.
func (s *Scheduler) Refresh() {
	s.emit(Signal{Kind: SignalUpdated})
}

func (s *Scheduler) emit(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.signals <- sig:
	default:
		s.logger.Warn("signal buffer full, dropping notification signal")
	}
}

// Wait blocks until external channel sends started so far have finished.
func (s *Scheduler) Wait() {
	s.sends.Wait()
}

// Close stops every armed timer and waits for deliveries already underway.
// Nothing is written or sent for this identity once it returns. Persisted
// rows stay unsent for Rehydrate.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		timers := s.timers
		s.timers = make(map[string]*armed)
		close(s.signals)
		s.mu.Unlock()
		s.cancel()

		for _, a := range timers {
			if a.timer != nil {
				a.timer.Stop()
			}
			metrics.TimersArmed.Dec()
		}
		s.inflight.Wait()
		s.sends.Wait()
		s.logger.Info("scheduler closed", zap.Int("timers_cleared", len(timers)))
	})
	return nil
}
