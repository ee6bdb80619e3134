package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/teleconsult/internal/models"
	"github.com/jackc/pgx/v5"
)

const invitationColumns = `id, meeting_id, topic, join_url, password, duration_minutes, inviter_id, invitee_id, status, created_at, responded_at`

func scanInvitation(row pgx.Row) (*models.MeetingInvitation, error) {
	var inv models.MeetingInvitation
	var status string
	if err := row.Scan(
		&inv.ID, &inv.MeetingID, &inv.Topic, &inv.JoinURL, &inv.Password, &inv.DurationMinutes,
		&inv.InviterID, &inv.InviteeID, &status, &inv.CreatedAt, &inv.RespondedAt,
	); err != nil {
		return nil, err
	}
	inv.Status = models.InvitationStatus(status)
	return &inv, nil
}

func (p *Postgres) CreateInvitation(ctx context.Context, inv *models.MeetingInvitation) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO meeting_invitations (`+invitationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.MeetingID, inv.Topic, inv.JoinURL, inv.Password, inv.DurationMinutes,
		inv.InviterID, inv.InviteeID, string(inv.Status), inv.CreatedAt, inv.RespondedAt,
	)
	if err != nil {
		return fmt.Errorf("insert meeting invitation: %w", err)
	}
	return nil
}

func (p *Postgres) GetInvitation(ctx context.Context, id string) (*models.MeetingInvitation, error) {
	inv, err := scanInvitation(p.db.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM meeting_invitations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select meeting invitation: %w", err)
	}
	return inv, nil
}

func (p *Postgres) RespondInvitation(ctx context.Context, id string, status models.InvitationStatus, at time.Time) (*models.MeetingInvitation, error) {
	inv, err := scanInvitation(p.db.QueryRow(ctx,
		`UPDATE meeting_invitations SET status = $2, responded_at = $3
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+invitationColumns,
		id, string(status), at,
	))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("respond meeting invitation: %w", err)
	}
	if _, getErr := p.GetInvitation(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrConditionFailed
}

func (p *Postgres) ListPendingInvitations(ctx context.Context, inviteeID string) ([]models.MeetingInvitation, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+invitationColumns+` FROM meeting_invitations
		 WHERE invitee_id = $1 AND status = 'pending'
		 ORDER BY created_at`, inviteeID)
	if err != nil {
		return nil, fmt.Errorf("list pending invitations: %w", err)
	}
	defer rows.Close()

	var out []models.MeetingInvitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}
