package notify

import (
	"context"
	"errors"
	"time"

	"github.com/franzego/teleconsult/internal/apperrors"
	"github.com/franzego/teleconsult/internal/metrics"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/internal/quiethours"
	"github.com/franzego/teleconsult/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// inQuietHours evaluates the user's window as stored right now, so a timer
// firing later sees the preferences of that moment.
func (s *Scheduler) inQuietHours(ctx context.Context, now time.Time) bool {
	prefs, err := s.store.GetPreferences(ctx, s.identity.UserID)
	if err != nil {
		s.logger.Warn("could not load preferences, quiet hours not applied", zap.Error(err))
		return false
	}
	window, err := quiethours.NewWindow(prefs.QuietHoursEnabled, prefs.QuietStart, prefs.QuietEnd)
	if err != nil {
		s.logger.Warn("invalid quiet hours window, ignoring", zap.Error(err))
		return false
	}
	return window.Contains(now)
}

func (s *Scheduler) deliver(ctx context.Context, req models.NotificationRequest, scheduledFor *time.Time) (*models.NotificationRecord, error) {
	now := s.clock.Now()
	if req.Priority != models.PriorityCritical && s.inQuietHours(ctx, now) {
		metrics.NotificationsSuppressed.Inc()
		s.logger.Info("notification suppressed by quiet hours",
			zap.String("type", req.Type), zap.String("priority", string(req.Priority)))
		return nil, nil
	}

	rec := &models.NotificationRecord{
		ID:              uuid.New().String(),
		UserID:          s.identity.UserID,
		Type:            req.Type,
		Title:           req.Title,
		Message:         req.Message,
		Priority:        req.Priority,
		DeliveryMethods: req.DeliveryMethods,
		ScheduledFor:    scheduledFor,
		CreatedAt:       now,
	}
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.inflight.Done()
	if err := s.store.InsertNotification(ctx, rec); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotificationDeliveryFailed, "persist notification", err)
	}
	metrics.NotificationsDelivered.WithLabelValues(string(models.DeliveryInApp)).Inc()

	if s.opts.Counter != nil {
		if err := s.opts.Counter.Incr(ctx, s.identity.UserID); err != nil {
			s.logger.Warn("failed to bump unread counter", zap.Error(err))
		}
	}

	s.dispatchExternal(ctx, *rec)

	if s.opts.Broadcaster != nil {
		if err := s.opts.Broadcaster.Broadcast(ctx, s.identity.UserID, rec); err != nil {
			s.logger.Warn("sync broadcast failed", zap.String("notification_id", rec.ID), zap.Error(err))
		}
	}
	s.emit(Signal{Kind: SignalUpdated, Notification: rec})

	s.logger.Info("notification delivered",
		zap.String("notification_id", rec.ID), zap.String("type", rec.Type))
	return rec, nil
}

// dispatchExternal sends over push, email and sms in the background so the
// caller only waits on the store write. Channel failures never fail the
// delivery. It runs inside a begin section, so Close waits for these sends.
func (s *Scheduler) dispatchExternal(ctx context.Context, rec models.NotificationRecord) {
	wantPush := s.opts.Push != nil && models.HasMethod(rec.DeliveryMethods, models.DeliveryPush)
	var senders []Sender
	for _, snd := range s.opts.Senders {
		if models.HasMethod(rec.DeliveryMethods, snd.Method()) {
			senders = append(senders, snd)
		}
	}
	if !wantPush && len(senders) == 0 {
		return
	}

	bg := context.WithoutCancel(ctx)
	s.sends.Add(1)
	go func() {
		defer s.sends.Done()
		ctx, cancel := context.WithTimeout(bg, sendTimeout)
		defer cancel()

		if wantPush {
			s.push(ctx, rec)
		}
		for _, snd := range senders {
			channel := string(snd.Method())
			if err := snd.Send(ctx, rec); err != nil {
				metrics.ChannelFailures.WithLabelValues(channel).Inc()
				s.logger.Warn("channel send failed",
					zap.String("channel", channel), zap.String("notification_id", rec.ID), zap.Error(err))
				continue
			}
			metrics.NotificationsDelivered.WithLabelValues(channel).Inc()
		}
	}()
}

func (s *Scheduler) push(ctx context.Context, rec models.NotificationRecord) {
	perm, err := s.opts.Push.Permission(ctx, s.identity.UserID)
	if err != nil {
		s.logger.Warn("could not read push permission", zap.Error(err))
		return
	}
	if perm != models.PermissionGranted {
		return
	}
	if err := s.opts.Push.Push(ctx, rec); err != nil {
		metrics.ChannelFailures.WithLabelValues(string(models.DeliveryPush)).Inc()
		s.logger.Warn("push failed", zap.String("notification_id", rec.ID), zap.Error(err))
		return
	}
	metrics.NotificationsDelivered.WithLabelValues(string(models.DeliveryPush)).Inc()
}

// RequestPushPermission records the platform's answer to the permission
// prompt. A denial is returned as ErrPermissionDenied; in-app delivery is
// unaffected either way.
func (s *Scheduler) RequestPushPermission(ctx context.Context, decision models.PushPermission) (models.PushPermission, error) {
	if s.opts.Push == nil {
		return models.PermissionDenied, apperrors.Wrap(apperrors.CodePermissionDenied, "push notifications are not configured", nil)
	}
	switch decision {
	case models.PermissionGranted, models.PermissionDenied, models.PermissionDefault:
	default:
		return models.PermissionDefault, apperrors.Wrap(apperrors.CodeInvalidRequest, "unknown permission decision", nil)
	}

	current, err := s.opts.Push.Permission(ctx, s.identity.UserID)
	if err != nil {
		return models.PermissionDefault, err
	}
	// a denial sticks until the user changes it outside the prompt
	if current == models.PermissionDenied {
		return current, apperrors.ErrPermissionDenied
	}
	if decision != models.PermissionDefault {
		if err := s.opts.Push.SetPermission(ctx, s.identity.UserID, decision); err != nil {
			return models.PermissionDefault, err
		}
	}
	if decision == models.PermissionDenied {
		return decision, apperrors.ErrPermissionDenied
	}
	return decision, nil
}

func (s *Scheduler) MarkRead(ctx context.Context, notificationID string) error {
	flipped, err := s.store.MarkNotificationRead(ctx, s.identity.UserID, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, "notification not found", err)
	}
	if err != nil {
		return err
	}
	if flipped && s.opts.Counter != nil {
		if err := s.opts.Counter.Decr(ctx, s.identity.UserID); err != nil {
			s.logger.Warn("failed to decrement unread counter", zap.Error(err))
		}
	}
	s.broadcastRefresh(ctx)
	return nil
}

func (s *Scheduler) MarkAllRead(ctx context.Context) (int64, error) {
	n, err := s.store.MarkAllNotificationsRead(ctx, s.identity.UserID)
	if err != nil {
		return 0, err
	}
	if s.opts.Counter != nil {
		if err := s.opts.Counter.Set(ctx, s.identity.UserID, 0); err != nil {
			s.logger.Warn("failed to reset unread counter", zap.Error(err))
		}
	}
	s.broadcastRefresh(ctx)
	return n, nil
}

// UnreadCount serves from the counter cache and rebuilds it from the store
// on a miss.
func (s *Scheduler) UnreadCount(ctx context.Context) (int64, error) {
	if s.opts.Counter != nil {
		n, ok, err := s.opts.Counter.Get(ctx, s.identity.UserID)
		if err == nil && ok {
			return n, nil
		}
		if err != nil {
			s.logger.Warn("unread counter unavailable, counting from store", zap.Error(err))
		}
	}
	n, err := s.store.CountUnread(ctx, s.identity.UserID)
	if err != nil {
		return 0, err
	}
	if s.opts.Counter != nil {
		if err := s.opts.Counter.Set(ctx, s.identity.UserID, n); err != nil {
			s.logger.Warn("failed to prime unread counter", zap.Error(err))
		}
	}
	return n, nil
}

func (s *Scheduler) List(ctx context.Context, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.store.ListNotifications(ctx, s.identity.UserID, limit)
}

func (s *Scheduler) Preferences(ctx context.Context) (*models.Preferences, error) {
	return s.store.GetPreferences(ctx, s.identity.UserID)
}

// UpdatePreferences applies the fields present in req. Timers already armed
// are not touched.
func (s *Scheduler) UpdatePreferences(ctx context.Context, req models.PreferencesRequest) (*models.Preferences, error) {
	prefs, err := s.store.GetPreferences(ctx, s.identity.UserID)
	if err != nil {
		return nil, err
	}
	if req.Appointments != nil {
		prefs.Appointments = *req.Appointments
	}
	if req.Medications != nil {
		prefs.Medications = *req.Medications
	}
	if req.QuietHoursEnabled != nil {
		prefs.QuietHoursEnabled = *req.QuietHoursEnabled
	}
	if req.QuietStart != nil {
		prefs.QuietStart = *req.QuietStart
	}
	if req.QuietEnd != nil {
		prefs.QuietEnd = *req.QuietEnd
	}
	if _, err := quiethours.NewWindow(prefs.QuietHoursEnabled, prefs.QuietStart, prefs.QuietEnd); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "quiet hours must be HH:MM", err)
	}
	prefs.UserID = s.identity.UserID
	if err := s.store.UpsertPreferences(ctx, prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}

func (s *Scheduler) broadcastRefresh(ctx context.Context) {
	if s.opts.Broadcaster == nil {
		return
	}
	if err := s.opts.Broadcaster.Broadcast(ctx, s.identity.UserID, map[string]string{"reason": "read_state"}); err != nil {
		s.logger.Warn("sync broadcast failed", zap.Error(err))
	}
}
