package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"seerpay/internal/model"
)

// SessionRepo persists sessions. State changes go through Transition, which
// holds a row lock for the whole change so one session is never billed and
// reconnected at the same time. Sessions are never deleted.
type SessionRepo struct {
	db *pgxpool.Pool
}

func NewSessionRepo(db *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, client_id, reader_id, modality, state, channel_name,
	rate_per_minute::text, billing_minutes, created_at, started_at, ended_at,
	last_billed_at, grace_until, reconnect_count, summary`

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	var rate string
	err := row.Scan(&s.ID, &s.ClientID, &s.ReaderID, &s.Modality, &s.State, &s.ChannelName,
		&rate, &s.BillingMinutes, &s.CreatedAt, &s.StartedAt, &s.EndedAt,
		&s.LastBilledAt, &s.GraceUntil, &s.ReconnectCount, &s.Summary)
	if err != nil {
		return nil, err
	}
	if s.RatePerMinute, err = decimal.NewFromString(rate); err != nil {
		return nil, errors.Wrap(err, "parse session rate")
	}
	return &s, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sessions (id, client_id, reader_id, modality, state, rate_per_minute)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric)`,
		s.ID, s.ClientID, s.ReaderID, string(s.Modality), string(s.State), s.RatePerMinute.String())
	return errors.Wrap(err, "create session")
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	return s, err
}

// Transition moves the session to a new state under a row lock, validating
// the edge against the transition table. mutate, when non-nil, runs on the
// locked row after the state change and before the write, for timestamps,
// grace deadlines and counters that belong to the same atomic change.
// Illegal edges fail with ErrInvalidTransition and change nothing.
func (r *SessionRepo) Transition(ctx context.Context, id string, to model.SessionState, mutate func(*model.Session)) (*model.Session, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin session tx")
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock session row")
	}

	if !s.State.CanTransitionTo(to) {
		return nil, errors.Wrapf(model.ErrInvalidTransition, "%s -> %s", s.State, to)
	}
	s.State = to
	if mutate != nil {
		mutate(s)
	}

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET
		   state = $2, channel_name = $3, billing_minutes = $4, started_at = $5,
		   ended_at = $6, last_billed_at = $7, grace_until = $8,
		   reconnect_count = $9, summary = $10
		 WHERE id = $1`,
		s.ID, string(s.State), s.ChannelName, s.BillingMinutes, s.StartedAt,
		s.EndedAt, s.LastBilledAt, s.GraceUntil, s.ReconnectCount, s.Summary)
	if err != nil {
		return nil, errors.Wrap(err, "update session")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit session tx")
	}
	return s, nil
}

// AdvanceBilling moves the billing counter to minute and stamps the billing
// time. The counter guard keeps it monotonic: if another tick already
// advanced past minute-1 this is a no-op, which is the safe outcome for a
// duplicate scheduler run.
func (r *SessionRepo) AdvanceBilling(ctx context.Context, id string, minute int, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET billing_minutes = $2, last_billed_at = $3
		  WHERE id = $1 AND billing_minutes = $2 - 1`,
		id, minute, at)
	return errors.Wrap(err, "advance billing counter")
}

// ListActive returns billable sessions, oldest-billed first so a bounded
// batch still reaches every session eventually.
func (r *SessionRepo) ListActive(ctx context.Context, limit int) ([]model.Session, error) {
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		  WHERE state = 'active'
		  ORDER BY last_billed_at ASC NULLS FIRST
		  LIMIT $1`, limit)
}

// ListGraceExpired returns paused or reconnecting sessions whose grace
// deadline has passed at now.
func (r *SessionRepo) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		  WHERE state IN ('paused', 'reconnecting')
		    AND grace_until IS NOT NULL AND grace_until < $2
		  ORDER BY grace_until ASC
		  LIMIT $1`, limit, now)
}

// ListEnded returns sessions awaiting finalization.
func (r *SessionRepo) ListEnded(ctx context.Context, limit int) ([]model.Session, error) {
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		  WHERE state = 'ended'
		  ORDER BY ended_at ASC NULLS FIRST
		  LIMIT $1`, limit)
}

func (r *SessionRepo) list(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
