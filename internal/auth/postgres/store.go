// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"time"

	"github.com/holomush/authcore/internal/auth"
)

// Store implements auth.Store over a pgx pool.
type Store struct {
	*db
	identities *IdentityRepository
	sessions   *SessionRepository
	tokens     *TokenRepository
	attempts   *AttemptRepository
}

var _ auth.Store = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*db)

// WithQueryTimeout bounds each storage call that arrives without a deadline.
// Zero or negative disables the bound.
func WithQueryTimeout(timeout time.Duration) StoreOption {
	return func(d *db) { d.timeout = timeout }
}

// NewStore creates a Store over the pool.
func NewStore(pool Pool, opts ...StoreOption) *Store {
	d := &db{pool: pool, timeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return &Store{
		db:         d,
		identities: &IdentityRepository{db: d},
		sessions:   &SessionRepository{db: d},
		tokens:     &TokenRepository{db: d},
		attempts:   &AttemptRepository{db: d},
	}
}

// Identities implements auth.Store.
func (s *Store) Identities() auth.IdentityRepository { return s.identities }

// Sessions implements auth.Store.
func (s *Store) Sessions() auth.SessionRepository { return s.sessions }

// Tokens implements auth.Store.
func (s *Store) Tokens() auth.TokenRepository { return s.tokens }

// Attempts implements auth.Store.
func (s *Store) Attempts() auth.AttemptRepository { return s.attempts }
