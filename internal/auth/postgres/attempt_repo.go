// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/holomush/authcore/internal/auth"
)

// AttemptRepository implements auth.AttemptRepository using PostgreSQL.
type AttemptRepository struct {
	db *db
}

var _ auth.AttemptRepository = (*AttemptRepository)(nil)

// incrementSQL upserts the counter. The window restarts at $2 when the
// stored one has elapsed. $3 is the window length in microseconds.
const incrementSQL = `
	INSERT INTO login_attempts (key, count, window_start)
	VALUES ($1, 1, $2)
	ON CONFLICT (key) DO UPDATE SET
		count = CASE
			WHEN login_attempts.window_start + ($3::bigint * INTERVAL '1 microsecond') <= EXCLUDED.window_start THEN 1
			ELSE login_attempts.count + 1
		END,
		window_start = CASE
			WHEN login_attempts.window_start + ($3::bigint * INTERVAL '1 microsecond') <= EXCLUDED.window_start THEN EXCLUDED.window_start
			ELSE login_attempts.window_start
		END
	RETURNING count, window_start`

// Increment adds one to the counter in a single statement, so concurrent
// callers observe distinct counts.
func (r *AttemptRepository) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (auth.AttemptCounter, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	counter := auth.AttemptCounter{Key: key}
	err := r.db.q(ctx).QueryRow(ctx, incrementSQL, key, now, window.Microseconds()).
		Scan(&counter.Count, &counter.WindowStart)
	if err != nil {
		return auth.AttemptCounter{}, storageError(err, "increment attempt counter")
	}
	return counter, nil
}

// Get returns the counter for key.
func (r *AttemptRepository) Get(ctx context.Context, key string) (auth.AttemptCounter, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	counter := auth.AttemptCounter{Key: key}
	err := r.db.q(ctx).QueryRow(ctx,
		`SELECT count, window_start FROM login_attempts WHERE key = $1`, key).
		Scan(&counter.Count, &counter.WindowStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.AttemptCounter{}, notFound("get attempt counter")
	}
	if err != nil {
		return auth.AttemptCounter{}, storageError(err, "get attempt counter")
	}
	return counter, nil
}

// Decrement subtracts one from the counter, floored at zero, when its
// window still starts at windowStart.
func (r *AttemptRepository) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	_, err := r.db.q(ctx).Exec(ctx,
		`UPDATE login_attempts SET count = GREATEST(count - 1, 0) WHERE key = $1 AND window_start = $2`,
		key, windowStart)
	if err != nil {
		return storageError(err, "decrement attempt counter")
	}
	return nil
}

// Clear deletes the counter for key.
func (r *AttemptRepository) Clear(ctx context.Context, key string) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	if _, err := r.db.q(ctx).Exec(ctx, `DELETE FROM login_attempts WHERE key = $1`, key); err != nil {
		return storageError(err, "clear attempt counter")
	}
	return nil
}

// DeleteStale removes counters whose window started before the given time.
func (r *AttemptRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, `DELETE FROM login_attempts WHERE window_start < $1`, before)
	if err != nil {
		return 0, storageError(err, "delete stale attempt counters")
	}
	return tag.RowsAffected(), nil
}
