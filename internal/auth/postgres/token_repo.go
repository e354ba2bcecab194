// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth"
)

const tokenColumns = `id, identity_id, purpose, token_hash, created_at, expires_at, used_at`

// TokenRepository implements auth.TokenRepository using PostgreSQL.
type TokenRepository struct {
	db *db
}

var _ auth.TokenRepository = (*TokenRepository)(nil)

// Create inserts a new token. The partial unique index on unused tokens
// rejects a second outstanding token for the same identity and purpose.
func (r *TokenRepository) Create(ctx context.Context, token *auth.Token) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	_, err := r.db.q(ctx).Exec(ctx, `
		INSERT INTO auth_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.ID.String(), token.IdentityID.String(), string(token.Purpose), token.TokenHash,
		token.CreatedAt, token.ExpiresAt, token.UsedAt)
	if err != nil {
		if isUniqueViolation(err, "auth_tokens_outstanding_idx") {
			return oops.Code("TOKEN_CREATE_FAILED").
				With("identity_id", token.IdentityID.String()).
				With("purpose", string(token.Purpose)).
				Wrap(err)
		}
		return storageError(err, "create token")
	}
	return nil
}

// InvalidateOutstanding marks every unused token of the purpose as used.
// It takes a transaction-scoped advisory lock on (identity, purpose) first,
// so it must run inside InTransaction to serialize concurrent issuers.
func (r *TokenRepository) InvalidateOutstanding(ctx context.Context, identityID ulid.ULID, purpose auth.Purpose, at time.Time) (int64, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	q := r.db.q(ctx)
	lockKey := identityID.String() + ":" + string(purpose)
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return 0, storageError(err, "lock token issuance")
	}

	tag, err := q.Exec(ctx, `
		UPDATE auth_tokens SET used_at = $3
		WHERE identity_id = $1 AND purpose = $2 AND used_at IS NULL`,
		identityID.String(), string(purpose), at)
	if err != nil {
		return 0, storageError(err, "invalidate outstanding tokens")
	}
	return tag.RowsAffected(), nil
}

// MarkUsed consumes the token in one conditional update. Of two concurrent
// redeemers exactly one sees a row.
func (r *TokenRepository) MarkUsed(ctx context.Context, tokenHash string, purpose auth.Purpose, at time.Time) (ulid.ULID, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	var identityIDStr string
	err := r.db.q(ctx).QueryRow(ctx, `
		UPDATE auth_tokens SET used_at = $3
		WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING identity_id`,
		tokenHash, string(purpose), at).Scan(&identityIDStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, notFound("mark token used")
	}
	if err != nil {
		return ulid.ULID{}, storageError(err, "mark token used")
	}
	return parseID(identityIDStr, "identity_id")
}

// GetByHash retrieves a token by hash and purpose.
func (r *TokenRepository) GetByHash(ctx context.Context, tokenHash string, purpose auth.Purpose) (*auth.Token, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	var (
		token                    auth.Token
		idStr, identityIDStr, pp string
	)
	err := r.db.q(ctx).QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM auth_tokens WHERE token_hash = $1 AND purpose = $2`,
		tokenHash, string(purpose)).
		Scan(&idStr, &identityIDStr, &pp, &token.TokenHash, &token.CreatedAt, &token.ExpiresAt, &token.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("get token by hash")
	}
	if err != nil {
		return nil, storageError(err, "get token by hash")
	}
	if token.ID, err = parseID(idStr, "token_id"); err != nil {
		return nil, err
	}
	if token.IdentityID, err = parseID(identityIDStr, "identity_id"); err != nil {
		return nil, err
	}
	token.Purpose = auth.Purpose(pp)
	return &token, nil
}

// DeleteExpired removes tokens that expired before the given time.
func (r *TokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, `DELETE FROM auth_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, storageError(err, "delete expired tokens")
	}
	return tag.RowsAffected(), nil
}
