// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/oklog/ulid/v2"
)

// Credential input constraints.
const (
	MaxEmailLength    = 254
	MinPasswordLength = 8
	// MaxPasswordBytes bounds hashing work per request.
	MaxPasswordBytes = 1024
)

// Identity is a registered account. PasswordHash is only read and written
// by CredentialStore.
type Identity struct {
	ID              ulid.ULID
	Email           string
	PasswordHash    string
	EmailVerified   bool
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewIdentity creates a validated Identity with a fresh ID.
// The email must already be normalized.
func NewIdentity(email, passwordHash string, now time.Time) (*Identity, error) {
	if email == "" || email != NormalizeEmail(email) {
		return nil, errorOf(KindInvalidInput).
			With("field", "email").
			Errorf("email must be normalized and non-empty")
	}
	if passwordHash == "" {
		return nil, errorOf(KindInvalidInput).
			With("field", "password_hash").
			Errorf("password hash cannot be empty")
	}
	return &Identity{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NormalizeEmail trims surrounding whitespace and lowercases the address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// credentialsInput is validated with ozzo-validation before any hashing work.
type credentialsInput struct {
	Email    string
	Password string
}

func (in credentialsInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email,
			validation.Required,
			validation.Length(3, MaxEmailLength),
			is.Email,
		),
		validation.Field(&in.Password,
			validation.Required,
			validation.By(passwordBytes),
		),
	)
}

// passwordBytes checks length in bytes, not runes; the hash input is bytes.
func passwordBytes(value any) error {
	s, _ := value.(string)
	if len(s) < MinPasswordLength {
		return errors.New("must be at least 8 bytes")
	}
	if len(s) > MaxPasswordBytes {
		return errors.New("must be at most 1024 bytes")
	}
	return nil
}

// ValidateCredentials checks a normalized email and a candidate password
// against registration rules. Failures carry KindInvalidInput.
func ValidateCredentials(email, password string) error {
	if err := (credentialsInput{Email: email, Password: password}).Validate(); err != nil {
		return errorOf(KindInvalidInput).Wrap(err)
	}
	return nil
}

// ValidatePassword checks a candidate password on its own, for resets.
func ValidatePassword(password string) error {
	if err := validation.Validate(password, validation.Required, validation.By(passwordBytes)); err != nil {
		return errorOf(KindInvalidInput).With("field", "password").Wrap(err)
	}
	return nil
}

// IdentityRepository manages identity persistence.
type IdentityRepository interface {
	// Create stores a new identity. Returns ErrEmailTaken (wrapped) when the
	// email already exists.
	Create(ctx context.Context, identity *Identity) error

	// GetByID retrieves an identity by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Identity, error)

	// GetByEmail retrieves an identity by normalized email.
	// Returns ErrNotFound if no identity has the given email.
	GetByEmail(ctx context.Context, email string) (*Identity, error)

	// UpdatePasswordHash replaces the stored hash.
	UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string, at time.Time) error

	// MarkEmailVerified sets the email-verified flag.
	MarkEmailVerified(ctx context.Context, id ulid.ULID, at time.Time) error
}
