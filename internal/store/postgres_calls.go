package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/teleconsult/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const callSessionColumns = `id, appointment_id, client_id, specialist_id, initiator_id, status, started_at, ended_at, created_at`

func scanCallSession(row pgx.Row) (*models.CallSession, error) {
	var s models.CallSession
	var status string
	if err := row.Scan(
		&s.ID, &s.AppointmentID, &s.ClientID, &s.SpecialistID, &s.InitiatorID,
		&status, &s.StartedAt, &s.EndedAt, &s.CreatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = models.CallStatus(status)
	return &s, nil
}

func (p *Postgres) CreateCallSession(ctx context.Context, s *models.CallSession) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO call_sessions (`+callSessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.AppointmentID, s.ClientID, s.SpecialistID, s.InitiatorID,
		string(s.Status), s.StartedAt, s.EndedAt, s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrOpenSessionExists
		}
		return fmt.Errorf("insert call session: %w", err)
	}
	return nil
}

func (p *Postgres) GetCallSession(ctx context.Context, id string) (*models.CallSession, error) {
	s, err := scanCallSession(p.db.QueryRow(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select call session: %w", err)
	}
	return s, nil
}

func (p *Postgres) TransitionCallSession(ctx context.Context, id string, from []models.CallStatus, to models.CallStatus, at time.Time) (*models.CallSession, error) {
	s, err := scanCallSession(p.db.QueryRow(ctx, `
		UPDATE call_sessions
		SET status = $2::text,
		    started_at = CASE WHEN $2::text = 'active' THEN $3 ELSE started_at END,
		    ended_at = CASE WHEN $2::text = 'ended' THEN COALESCE(ended_at, $3) ELSE ended_at END
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+callSessionColumns,
		id, string(to), at, statusStrings(from),
	))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition call session: %w", err)
	}
	// no row updated: distinguish a missing session from a lost precondition
	if _, getErr := p.GetCallSession(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrConditionFailed
}

func (p *Postgres) ListOpenCallSessions(ctx context.Context, userID string) ([]models.CallSession, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions
		 WHERE (client_id = $1 OR specialist_id = $1) AND status IN ('waiting', 'active')
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list open call sessions: %w", err)
	}
	defer rows.Close()

	var out []models.CallSession
	for rows.Next() {
		s, err := scanCallSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
