// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/holomush/authcore/internal/auth"
)

const sessionColumns = `id, identity_id, token_hash, user_agent, ip_address, created_at, expires_at, revoked_at`

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	db *db
}

var _ auth.SessionRepository = (*SessionRepository)(nil)

// Create inserts a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	_, err := r.db.q(ctx).Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID.String(), session.IdentityID.String(), session.TokenHash,
		session.UserAgent, session.IPAddress, session.CreatedAt, session.ExpiresAt, session.RevokedAt)
	if err != nil {
		return storageError(err, "create session")
	}
	return nil
}

// Lookup reads the session and its identity summary with a single join.
func (r *SessionRepository) Lookup(ctx context.Context, tokenHash string) (*auth.SessionLookup, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	var (
		f      sessionFields
		lookup auth.SessionLookup
	)
	err := r.db.q(ctx).QueryRow(ctx, `
		SELECT s.id, s.identity_id, s.token_hash, s.user_agent, s.ip_address,
		       s.created_at, s.expires_at, s.revoked_at, i.email, i.email_verified
		FROM sessions s
		JOIN identities i ON i.id = s.identity_id
		WHERE s.token_hash = $1`, tokenHash).
		Scan(append(f.dest(), &lookup.Email, &lookup.EmailVerified)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("lookup session")
	}
	if err != nil {
		return nil, storageError(err, "lookup session")
	}
	if lookup.Session, err = f.session(); err != nil {
		return nil, err
	}
	return &lookup, nil
}

// ListActive returns the identity's unrevoked, unexpired sessions, newest first.
func (r *SessionRepository) ListActive(ctx context.Context, identityID ulid.ULID, now time.Time) ([]*auth.Session, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE identity_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC, id DESC`,
		identityID.String(), now)
	if err != nil {
		return nil, storageError(err, "list active sessions")
	}
	defer rows.Close()

	var sessions []*auth.Session
	for rows.Next() {
		var f sessionFields
		if err := rows.Scan(f.dest()...); err != nil {
			return nil, storageError(err, "scan session")
		}
		session, err := f.session()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "iterate sessions")
	}
	return sessions, nil
}

// RevokeByTokenHash revokes the session only while it is active at the
// given time, and returns it.
func (r *SessionRepository) RevokeByTokenHash(ctx context.Context, tokenHash string, at time.Time) (*auth.Session, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	var f sessionFields
	err := r.db.q(ctx).QueryRow(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		RETURNING `+sessionColumns,
		tokenHash, at).Scan(f.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("revoke session by token hash")
	}
	if err != nil {
		return nil, storageError(err, "revoke session by token hash")
	}
	return f.session()
}

// Revoke revokes the session by ID. It reports false when no unrevoked
// session has that ID.
func (r *SessionRepository) Revoke(ctx context.Context, id ulid.ULID, at time.Time) (bool, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id.String(), at)
	if err != nil {
		return false, storageError(err, "revoke session")
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAllForIdentity revokes every live session of the identity. Expired
// sessions are left to the janitor and not counted.
func (r *SessionRepository) RevokeAllForIdentity(ctx context.Context, identityID ulid.ULID, at time.Time) (int64, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx,
		`UPDATE sessions SET revoked_at = $2
		 WHERE identity_id = $1 AND revoked_at IS NULL AND expires_at > $2`,
		identityID.String(), at)
	if err != nil {
		return 0, storageError(err, "revoke all sessions")
	}
	return tag.RowsAffected(), nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (r *SessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	if _, err := r.db.q(ctx).Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id.String()); err != nil {
		return storageError(err, "delete session")
	}
	return nil
}

// DeleteExpired removes sessions that expired before the given time.
func (r *SessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, storageError(err, "delete expired sessions")
	}
	return tag.RowsAffected(), nil
}

// sessionFields holds raw column values before ULID parsing.
type sessionFields struct {
	idStr         string
	identityIDStr string
	s             auth.Session
}

func (f *sessionFields) dest() []any {
	return []any{
		&f.idStr, &f.identityIDStr, &f.s.TokenHash, &f.s.UserAgent, &f.s.IPAddress,
		&f.s.CreatedAt, &f.s.ExpiresAt, &f.s.RevokedAt,
	}
}

func (f *sessionFields) session() (*auth.Session, error) {
	var err error
	if f.s.ID, err = parseID(f.idStr, "session_id"); err != nil {
		return nil, err
	}
	if f.s.IdentityID, err = parseID(f.identityIDStr, "identity_id"); err != nil {
		return nil, err
	}
	s := f.s
	return &s, nil
}
