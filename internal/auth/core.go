// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Store groups the repositories backing the core. All repositories must
// honor transactions opened by InTransaction.
type Store interface {
	Transactor
	Identities() IdentityRepository
	Sessions() SessionRepository
	Tokens() TokenRepository
	Attempts() AttemptRepository
}

// Settings holds the tunables of the core.
type Settings struct {
	SessionTTL time.Duration
	Lockout    LockoutPolicy
	Hash       HashParams
	Account    AccountConfig
}

// DefaultSettings returns production defaults.
func DefaultSettings() Settings {
	return Settings{
		SessionTTL: DefaultSessionTTL,
		Lockout:    DefaultLockoutPolicy(),
		Hash:       DefaultHashParams(),
		Account: AccountConfig{
			VerifyTokenTTL: DefaultVerifyTokenTTL,
			ResetTokenTTL:  DefaultResetTokenTTL,
		},
	}
}

// Core is the wired set of auth components.
type Core struct {
	Credentials *CredentialStore
	Limiter     *RateLimiter
	Tokens      *TokenLedger
	Sessions    *SessionManager
	Binder      *Binder
	Accounts    *AccountService
}

// NewCore wires the components over store. Password changes revoke all
// sessions of the identity in the same transaction.
func NewCore(store Store, settings Settings, mailer Mailer, opts ...Option) (*Core, error) {
	if store == nil {
		return nil, oops.Code("CORE_INVALID_CONFIG").Errorf("store is required")
	}

	hasher, err := NewHasher(settings.Hash)
	if err != nil {
		return nil, err
	}
	creds, err := NewCredentialStore(store.Identities(), hasher, store, opts...)
	if err != nil {
		return nil, err
	}
	limiter, err := NewRateLimiter(store.Attempts(), settings.Lockout, opts...)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenLedger(store.Tokens(), store, opts...)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionManager(store.Sessions(), creds, limiter, store, settings.SessionTTL, opts...)
	if err != nil {
		return nil, err
	}
	creds.OnPasswordChanged(func(ctx context.Context, identityID ulid.ULID) error {
		_, err := sessions.RevokeAll(ctx, identityID)
		return err
	})
	binder, err := NewBinder(sessions, opts...)
	if err != nil {
		return nil, err
	}
	accounts, err := NewAccountService(creds, tokens, mailer, settings.Account, opts...)
	if err != nil {
		return nil, err
	}

	return &Core{
		Credentials: creds,
		Limiter:     limiter,
		Tokens:      tokens,
		Sessions:    sessions,
		Binder:      binder,
		Accounts:    accounts,
	}, nil
}

// PurgeResult counts rows removed by one purge pass.
type PurgeResult struct {
	Sessions int64
	Tokens   int64
	Attempts int64
}

// Purge removes expired sessions, expired tokens and stale attempt
// counters. It stops at the first error.
func (c *Core) Purge(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	var err error
	if res.Sessions, err = c.Sessions.PurgeExpired(ctx); err != nil {
		return res, err
	}
	if res.Tokens, err = c.Tokens.PurgeExpired(ctx); err != nil {
		return res, err
	}
	if res.Attempts, err = c.Limiter.PurgeStale(ctx); err != nil {
		return res, err
	}
	return res, nil
}
