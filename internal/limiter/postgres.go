package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window.
type PG struct {
	pool     Querier
	window   time.Duration
	maxFails int
}

var _ Limiter = (*PG)(nil)

// Querier is the part of a pgx pool the limiter uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool (or a pgxmock pool in tests).
func NewPG(q Querier, window time.Duration, maxFails int) *PG {
	if maxFails <= 0 {
		maxFails = 3
	}
	return &PG{pool: q, window: window, maxFails: maxFails}
}

// Allow reports whether the topic has not been marked stale.
func (l *PG) Allow(ctx context.Context, topic string) (bool, error) {
	const q = `SELECT stale_since FROM delivery_failures WHERE topic=$1`
	var staleSince time.Time
	err := l.pool.QueryRow(ctx, q, topic).Scan(&staleSince)
	switch err {
	case nil:
		return staleSince.Unix() <= 0, nil
	case pgx.ErrNoRows:
		return true, nil
	default:
		return false, err
	}
}

// Success resets counters for the topic.
func (l *PG) Success(ctx context.Context, topic string) error {
	const q = `
INSERT INTO delivery_failures (topic, fail_count, stale_since, updated_at)
VALUES ($1,0,'epoch',now())
ON CONFLICT (topic)
DO UPDATE SET fail_count=0, stale_since='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, topic)
	return err
}

// Failure records a failed delivery; marks the topic stale once the threshold is reached.
func (l *PG) Failure(ctx context.Context, topic string) (bool, error) {
	const q = `
INSERT INTO delivery_failures (topic, fail_count, stale_since, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (topic) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - delivery_failures.updated_at > $2::interval THEN 1 ELSE delivery_failures.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count, stale_since`
	var (
		fails      int
		staleSince time.Time
	)
	if err := l.pool.QueryRow(ctx, q, topic, l.window).Scan(&fails, &staleSince); err != nil {
		return false, err
	}
	if fails >= l.maxFails && staleSince.Unix() <= 0 {
		const upd = `UPDATE delivery_failures SET stale_since=now() WHERE topic=$1`
		if _, err := l.pool.Exec(ctx, upd, topic); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Forget removes the topic row.
func (l *PG) Forget(ctx context.Context, topic string) error {
	const q = `DELETE FROM delivery_failures WHERE topic=$1`
	_, err := l.pool.Exec(ctx, q, topic)
	return err
}
