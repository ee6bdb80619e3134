package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/franzego/teleconsult/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionCols = []string{"id", "appointment_id", "client_id", "specialist_id", "initiator_id", "status", "started_at", "ended_at", "created_at"}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Postgres) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgres(mock)
}

func TestCreateCallSession(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	session := &models.CallSession{
		ID: "s1", ClientID: "alice", SpecialistID: "bob", InitiatorID: "alice",
		Status: models.CallWaiting, StartedAt: &now, CreatedAt: now,
	}

	tests := []struct {
		name      string
		setupMock func(pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "inserted",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO call_sessions`).
					WithArgs("s1", pgxmock.AnyArg(), "alice", "bob", "alice", "waiting",
						pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
			},
		},
		{
			name: "open pair rejected by unique index",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO call_sessions`).
					WithArgs("s1", pgxmock.AnyArg(), "alice", "bob", "alice", "waiting",
						pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnError(&pgconn.PgError{Code: "23505"})
			},
			wantErr: ErrOpenSessionExists,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock, pg := newMock(t)
			tc.setupMock(mock)

			err := pg.CreateCallSession(context.Background(), session)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransitionCallSession(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	answered := created.Add(20 * time.Second)

	tests := []struct {
		name      string
		setupMock func(pgxmock.PgxPoolIface)
		wantErr   error
		want      models.CallStatus
	}{
		{
			name: "waiting to active",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE call_sessions`).
					WithArgs("s1", "active", answered, []string{"waiting"}).
					WillReturnRows(pgxmock.NewRows(sessionCols).AddRow(
						"s1", (*string)(nil), "alice", "bob", "alice", "active",
						&answered, (*time.Time)(nil), created))
			},
			want: models.CallActive,
		},
		{
			name: "lost race",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE call_sessions`).
					WithArgs("s1", "active", answered, []string{"waiting"}).
					WillReturnRows(pgxmock.NewRows(sessionCols))
				mock.ExpectQuery(`SELECT .* FROM call_sessions WHERE id = \$1`).
					WithArgs("s1").
					WillReturnRows(pgxmock.NewRows(sessionCols).AddRow(
						"s1", (*string)(nil), "alice", "bob", "alice", "active",
						&answered, (*time.Time)(nil), created))
			},
			wantErr: ErrConditionFailed,
		},
		{
			name: "missing session",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE call_sessions`).
					WithArgs("s1", "active", answered, []string{"waiting"}).
					WillReturnRows(pgxmock.NewRows(sessionCols))
				mock.ExpectQuery(`SELECT .* FROM call_sessions WHERE id = \$1`).
					WithArgs("s1").
					WillReturnRows(pgxmock.NewRows(sessionCols))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock, pg := newMock(t)
			tc.setupMock(mock)

			got, err := pg.TransitionCallSession(context.Background(), "s1",
				[]models.CallStatus{models.CallWaiting}, models.CallActive, answered)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got.Status)
				assert.Equal(t, answered, *got.StartedAt)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRespondInvitationAlreadyTerminal(t *testing.T) {
	mock, pg := newMock(t)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{"id", "meeting_id", "topic", "join_url", "password", "duration_minutes", "inviter_id", "invitee_id", "status", "created_at", "responded_at"}

	mock.ExpectQuery(`UPDATE meeting_invitations`).
		WithArgs("inv1", "accepted", at).
		WillReturnRows(pgxmock.NewRows(cols))
	mock.ExpectQuery(`SELECT .* FROM meeting_invitations WHERE id = \$1`).
		WithArgs("inv1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"inv1", "m1", "Consult", "https://meet/1", "", 60, "alice", "bob", "declined", at, &at))

	_, err := pg.RespondInvitation(context.Background(), "inv1", models.InvitationAccepted, at)
	assert.ErrorIs(t, err, ErrConditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotificationRead(t *testing.T) {
	t.Run("flips unread", func(t *testing.T) {
		mock, pg := newMock(t)
		mock.ExpectExec(`UPDATE notifications SET read = true`).
			WithArgs("n1", "alice").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		changed, err := pg.MarkNotificationRead(context.Background(), "alice", "n1")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already read", func(t *testing.T) {
		mock, pg := newMock(t)
		mock.ExpectExec(`UPDATE notifications SET read = true`).
			WithArgs("n1", "alice").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("n1", "alice").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		changed, err := pg.MarkNotificationRead(context.Background(), "alice", "n1")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		mock, pg := newMock(t)
		mock.ExpectExec(`UPDATE notifications SET read = true`).
			WithArgs("n1", "alice").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("n1", "alice").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := pg.MarkNotificationRead(context.Background(), "alice", "n1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListPendingScheduled(t *testing.T) {
	mock, pg := newMock(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	due := now.Add(time.Hour)
	cols := []string{"id", "user_id", "type", "title", "message", "priority", "delivery_methods", "scheduled_for", "sent", "created_at"}

	mock.ExpectQuery(`SELECT .* FROM scheduled_notifications`).
		WithArgs("alice", now).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"sn1", "alice", models.TypeAppointmentReminder, "Upcoming", "In 1h", "high",
			[]string{"push", "in_app"}, due, false, now))

	got, err := pg.ListPendingScheduled(context.Background(), "alice", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.PriorityHigh, got[0].Request.Priority)
	assert.Equal(t, []models.DeliveryMethod{models.DeliveryPush, models.DeliveryInApp}, got[0].Request.DeliveryMethods)
	assert.Equal(t, due, got[0].ScheduledFor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPreferencesDefaultsWhenMissing(t *testing.T) {
	mock, pg := newMock(t)
	mock.ExpectQuery(`SELECT appointments, medications`).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"appointments", "medications", "quiet_hours_enabled", "quiet_start", "quiet_end"}))

	p, err := pg.GetPreferences(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, DefaultPreferences("alice"), p)
	assert.NoError(t, mock.ExpectationsWereMet())
}
