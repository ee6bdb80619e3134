package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is satisfied by *pgxpool.Pool and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Schema creates the tables on first start. The partial unique index keeps
// at most one waiting or active session per unordered participant pair.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
    id             TEXT PRIMARY KEY,
    appointment_id TEXT,
    client_id      TEXT NOT NULL,
    specialist_id  TEXT NOT NULL,
    initiator_id   TEXT NOT NULL,
    status         TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'ended')),
    started_at     TIMESTAMPTZ,
    ended_at       TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_open_pair
    ON call_sessions (LEAST(client_id, specialist_id), GREATEST(client_id, specialist_id))
    WHERE status IN ('waiting', 'active');

CREATE TABLE IF NOT EXISTS meeting_invitations (
    id               TEXT PRIMARY KEY,
    meeting_id       TEXT NOT NULL,
    topic            TEXT NOT NULL,
    join_url         TEXT NOT NULL,
    password         TEXT NOT NULL DEFAULT '',
    duration_minutes INT NOT NULL,
    inviter_id       TEXT NOT NULL,
    invitee_id       TEXT NOT NULL,
    status           TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'declined')),
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    responded_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS notifications (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    type             TEXT NOT NULL,
    title            TEXT NOT NULL,
    message          TEXT NOT NULL,
    priority         TEXT NOT NULL,
    delivery_methods TEXT[] NOT NULL,
    scheduled_for    TIMESTAMPTZ,
    read             BOOLEAN NOT NULL DEFAULT false,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS notifications_user_unread ON notifications (user_id) WHERE NOT read;

CREATE TABLE IF NOT EXISTS scheduled_notifications (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    type             TEXT NOT NULL,
    title            TEXT NOT NULL,
    message          TEXT NOT NULL,
    priority         TEXT NOT NULL,
    delivery_methods TEXT[] NOT NULL,
    scheduled_for    TIMESTAMPTZ NOT NULL,
    sent             BOOLEAN NOT NULL DEFAULT false,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS scheduled_notifications_pending ON scheduled_notifications (user_id, scheduled_for) WHERE NOT sent;

CREATE TABLE IF NOT EXISTS notification_preferences (
    user_id             TEXT PRIMARY KEY,
    appointments        BOOLEAN NOT NULL DEFAULT true,
    medications         BOOLEAN NOT NULL DEFAULT true,
    quiet_hours_enabled BOOLEAN NOT NULL DEFAULT false,
    quiet_start         TEXT NOT NULL DEFAULT '22:00',
    quiet_end           TEXT NOT NULL DEFAULT '08:00'
);
`

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, Schema)
	return err
}
