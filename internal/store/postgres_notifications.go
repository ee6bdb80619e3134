package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/teleconsult/internal/models"
	"github.com/jackc/pgx/v5"
)

const notificationColumns = `id, user_id, type, title, message, priority, delivery_methods, scheduled_for, read, created_at`

func (p *Postgres) InsertNotification(ctx context.Context, n *models.NotificationRecord) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO notifications (`+notificationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, string(n.Priority),
		methodStrings(n.DeliveryMethods), n.ScheduledFor, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2 AND NOT read`, id, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND user_id = $2)`, id, userID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *Postgres) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	tag, err := p.db.Exec(ctx, `UPDATE notifications SET read = true WHERE user_id = $1 AND NOT read`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := p.db.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND NOT read`, userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (p *Postgres) ListNotifications(ctx context.Context, userID string, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationRecord
	for rows.Next() {
		var n models.NotificationRecord
		var priority string
		var methods []string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &priority,
			&methods, &n.ScheduledFor, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Priority = models.Priority(priority)
		n.DeliveryMethods = toMethods(methods)
		out = append(out, n)
	}
	return out, rows.Err()
}

const scheduledColumns = `id, user_id, type, title, message, priority, delivery_methods, scheduled_for, sent, created_at`

func (p *Postgres) InsertScheduled(ctx context.Context, s *models.ScheduledNotification) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO scheduled_notifications (`+scheduledColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.UserID, s.Request.Type, s.Request.Title, s.Request.Message, string(s.Request.Priority),
		methodStrings(s.Request.DeliveryMethods), s.ScheduledFor, s.Sent, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scheduled notification: %w", err)
	}
	return nil
}

func (p *Postgres) ListPendingScheduled(ctx context.Context, userID string, after time.Time) ([]models.ScheduledNotification, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_notifications
		 WHERE user_id = $1 AND NOT sent AND scheduled_for > $2
		 ORDER BY scheduled_for`, userID, after)
	if err != nil {
		return nil, fmt.Errorf("list pending scheduled: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledNotification
	for rows.Next() {
		var s models.ScheduledNotification
		var priority string
		var methods []string
		if err := rows.Scan(&s.ID, &s.UserID, &s.Request.Type, &s.Request.Title, &s.Request.Message,
			&priority, &methods, &s.ScheduledFor, &s.Sent, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Request.Priority = models.Priority(priority)
		s.Request.DeliveryMethods = toMethods(methods)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkScheduledSent(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `UPDATE scheduled_notifications SET sent = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark scheduled sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	pr := models.Preferences{UserID: userID}
	err := p.db.QueryRow(ctx,
		`SELECT appointments, medications, quiet_hours_enabled, quiet_start, quiet_end
		 FROM notification_preferences WHERE user_id = $1`, userID,
	).Scan(&pr.Appointments, &pr.Medications, &pr.QuietHoursEnabled, &pr.QuietStart, &pr.QuietEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("select preferences: %w", err)
	}
	return &pr, nil
}

func (p *Postgres) UpsertPreferences(ctx context.Context, pr *models.Preferences) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO notification_preferences (user_id, appointments, medications, quiet_hours_enabled, quiet_start, quiet_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
		    appointments = EXCLUDED.appointments,
		    medications = EXCLUDED.medications,
		    quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
		    quiet_start = EXCLUDED.quiet_start,
		    quiet_end = EXCLUDED.quiet_end`,
		pr.UserID, pr.Appointments, pr.Medications, pr.QuietHoursEnabled, pr.QuietStart, pr.QuietEnd,
	)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
