// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// PasswordChangedHook runs inside the transaction that replaced an identity's
// password hash. An error rolls the password change back.
type PasswordChangedHook func(ctx context.Context, identityID ulid.ULID) error

// CredentialCheck is the outcome of checking an email/password pair.
// It never carries the stored hash.
type CredentialCheck struct {
	IdentityID    ulid.ULID
	Email         string
	Found         bool
	Valid         bool
	EmailVerified bool
}

// CredentialStore owns identity records and their password hashes.
type CredentialStore struct {
	identities IdentityRepository
	hasher     PasswordHasher
	tx         Transactor
	dummy      string
	opts       options

	hooksMu sync.RWMutex
	hooks   []PasswordChangedHook
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(identities IdentityRepository, hasher *Hasher, tx Transactor, opts ...Option) (*CredentialStore, error) {
	if identities == nil {
		return nil, oops.Code("CREDENTIALS_INVALID_CONFIG").Errorf("identities repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("CREDENTIALS_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if tx == nil {
		return nil, oops.Code("CREDENTIALS_INVALID_CONFIG").Errorf("transactor is required")
	}
	return &CredentialStore{
		identities: identities,
		hasher:     hasher,
		tx:         tx,
		dummy:      hasher.dummyHash(),
		opts:       buildOptions(opts),
	}, nil
}

// OnPasswordChanged registers a hook run by SetPassword. Register hooks
// before the store serves requests.
func (c *CredentialStore) OnPasswordChanged(hook PasswordChangedHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Hash validates and hashes a candidate password.
func (c *CredentialStore) Hash(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	return c.hasher.Hash(password)
}

// Verify reports whether password matches hash.
func (c *CredentialStore) Verify(password, hash string) bool {
	return c.hasher.Verify(password, hash)
}

// Register validates input, hashes the password and creates the identity.
// A duplicate email fails with KindEmailTaken.
func (c *CredentialStore) Register(ctx context.Context, email, password string) (*Identity, error) {
	email = NormalizeEmail(email)
	if err := ValidateCredentials(email, password); err != nil {
		return nil, err
	}

	hash, err := c.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	identity, err := NewIdentity(email, hash, c.opts.now())
	if err != nil {
		return nil, err
	}

	if err := c.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, errorOf(KindEmailTaken).Errorf("email already registered")
		}
		return nil, oops.With("operation", "create identity").Wrap(err)
	}

	c.opts.logger.InfoContext(ctx, "identity registered", "identity_id", identity.ID.String())
	return identity, nil
}

// Lookup returns the identity for a normalized email without its hash.
func (c *CredentialStore) Lookup(ctx context.Context, email string) (*Identity, error) {
	identity, err := c.identities.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	out := *identity
	out.PasswordHash = ""
	return &out, nil
}

// Check verifies an email/password pair. Unknown emails are verified
// against a dummy hash so both paths cost the same.
func (c *CredentialStore) Check(ctx context.Context, email, password string) (CredentialCheck, error) {
	email = NormalizeEmail(email)
	if len(password) > MaxPasswordBytes {
		// Oversized input is never hashed.
		return CredentialCheck{}, nil
	}

	identity, err := c.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.hasher.Verify(password, c.dummy)
			return CredentialCheck{}, nil
		}
		return CredentialCheck{}, oops.With("operation", "get identity by email").Wrap(err)
	}

	check := CredentialCheck{
		IdentityID:    identity.ID,
		Email:         identity.Email,
		Found:         true,
		Valid:         c.hasher.Verify(password, identity.PasswordHash),
		EmailVerified: identity.EmailVerified,
	}

	if check.Valid && c.hasher.NeedsUpgrade(identity.PasswordHash) {
		c.rehash(ctx, identity.ID, password)
	}
	return check, nil
}

// rehash upgrades a stored hash after a successful verification. It does
// not revoke sessions; the password itself is unchanged.
func (c *CredentialStore) rehash(ctx context.Context, id ulid.ULID, password string) {
	hash, err := c.hasher.Hash(password)
	if err != nil {
		return
	}
	if err := c.identities.UpdatePasswordHash(ctx, id, hash, c.opts.now()); err != nil {
		c.opts.logger.WarnContext(ctx, "password hash upgrade failed",
			"identity_id", id.String(),
			"error", err)
		return
	}
	c.opts.logger.InfoContext(ctx, "password hash upgraded", "identity_id", id.String())
}

// SetPassword replaces the stored hash and runs the password-changed hooks
// (session revocation) in the same transaction.
func (c *CredentialStore) SetPassword(ctx context.Context, identityID ulid.ULID, newHash string) error {
	if newHash == "" {
		return errorOf(KindInvalidInput).With("field", "password_hash").Errorf("password hash cannot be empty")
	}

	c.hooksMu.RLock()
	hooks := append([]PasswordChangedHook(nil), c.hooks...)
	c.hooksMu.RUnlock()

	err := c.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := c.identities.UpdatePasswordHash(ctx, identityID, newHash, c.opts.now()); err != nil {
			return oops.With("operation", "update password hash").With("identity_id", identityID.String()).Wrap(err)
		}
		for _, hook := range hooks {
			if err := hook(ctx, identityID); err != nil {
				return oops.With("operation", "password changed hook").With("identity_id", identityID.String()).Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.opts.logger.InfoContext(ctx, "password changed", slog.String("identity_id", identityID.String()))
	return nil
}

// MarkEmailVerified sets the identity's email-verified flag.
func (c *CredentialStore) MarkEmailVerified(ctx context.Context, identityID ulid.ULID) error {
	if err := c.identities.MarkEmailVerified(ctx, identityID, c.opts.now()); err != nil {
		return oops.With("operation", "mark email verified").With("identity_id", identityID.String()).Wrap(err)
	}
	return nil
}
