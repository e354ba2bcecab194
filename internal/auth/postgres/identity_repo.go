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

const identityColumns = `id, email, password_hash, email_verified, email_verified_at, created_at, updated_at`

// IdentityRepository implements auth.IdentityRepository using PostgreSQL.
type IdentityRepository struct {
	db *db
}

var _ auth.IdentityRepository = (*IdentityRepository)(nil)

// Create inserts a new identity. A duplicate email yields EMAIL_TAKEN.
func (r *IdentityRepository) Create(ctx context.Context, identity *auth.Identity) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	_, err := r.db.q(ctx).Exec(ctx, `
		INSERT INTO identities (id, email, password_hash, email_verified, email_verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		identity.ID.String(), identity.Email, identity.PasswordHash,
		identity.EmailVerified, identity.EmailVerifiedAt, identity.CreatedAt, identity.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "identities_email_key") {
			return oops.Code(auth.KindEmailTaken.Code()).With("operation", "create identity").Wrap(auth.ErrEmailTaken)
		}
		return storageError(err, "create identity")
	}
	return nil
}

// GetByID retrieves an identity by ID.
func (r *IdentityRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Identity, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	row := r.db.q(ctx).QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id.String())
	return scanIdentity(row, "get identity by id")
}

// GetByEmail retrieves an identity by its normalized email.
func (r *IdentityRepository) GetByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	row := r.db.q(ctx).QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email)
	return scanIdentity(row, "get identity by email")
}

// UpdatePasswordHash replaces the stored password hash.
func (r *IdentityRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string, at time.Time) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx,
		`UPDATE identities SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		id.String(), passwordHash, at)
	if err != nil {
		return storageError(err, "update password hash")
	}
	if tag.RowsAffected() == 0 {
		return notFound("update password hash")
	}
	return nil
}

// MarkEmailVerified sets the verified flag. The first verification time is kept.
func (r *IdentityRepository) MarkEmailVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, `
		UPDATE identities
		SET email_verified = TRUE,
		    email_verified_at = COALESCE(email_verified_at, $2),
		    updated_at = $2
		WHERE id = $1`,
		id.String(), at)
	if err != nil {
		return storageError(err, "mark email verified")
	}
	if tag.RowsAffected() == 0 {
		return notFound("mark email verified")
	}
	return nil
}

func scanIdentity(row pgx.Row, op string) (*auth.Identity, error) {
	var (
		identity auth.Identity
		idStr    string
	)
	err := row.Scan(&idStr, &identity.Email, &identity.PasswordHash, &identity.EmailVerified,
		&identity.EmailVerifiedAt, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(op)
	}
	if err != nil {
		return nil, storageError(err, op)
	}
	if identity.ID, err = parseID(idStr, "identity_id"); err != nil {
		return nil, err
	}
	return &identity, nil
}
