// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	SessionTokenBytes = 32                  // 32 bytes = 64 hex chars, 256 bits
	DefaultSessionTTL = 30 * 24 * time.Hour // 30 days
)

// SessionState is the lifecycle state of a session at a point in time.
type SessionState int

// Session states. Expired and Revoked are terminal.
const (
	SessionActive SessionState = iota
	SessionExpired
	SessionRevoked
)

// String returns a log-friendly name.
func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	case SessionRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// SourceMeta is audit metadata about the client that created a session.
type SourceMeta struct {
	UserAgent string
	IPAddress string
}

// Session binds a hashed opaque token to an identity.
// The plaintext token is never stored.
type Session struct {
	ID         ulid.ULID
	IdentityID ulid.ULID
	TokenHash  string
	UserAgent  string
	IPAddress  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// NewSession creates a validated Session.
func NewSession(identityID ulid.ULID, tokenHash string, meta SourceMeta, now time.Time, ttl time.Duration) (*Session, error) {
	if identityID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_IDENTITY").Errorf("identity ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if ttl <= 0 {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").With("ttl", ttl).Errorf("session ttl must be positive")
	}
	return &Session{
		ID:         ulid.Make(),
		IdentityID: identityID,
		TokenHash:  tokenHash,
		UserAgent:  meta.UserAgent,
		IPAddress:  meta.IPAddress,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// StateAt returns the session state at t. Expiry is reported before
// revocation.
func (s *Session) StateAt(t time.Time) SessionState {
	if !t.Before(s.ExpiresAt) {
		return SessionExpired
	}
	if s.RevokedAt != nil {
		return SessionRevoked
	}
	return SessionActive
}

// IsValidAt reports whether the session is active at t.
func (s *Session) IsValidAt(t time.Time) bool {
	return s.StateAt(t) == SessionActive
}

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; the hash is stored in the database.
func GenerateSessionToken() (token, hash string, err error) {
	return generateOpaqueToken(SessionTokenBytes, "SESSION_TOKEN_GENERATE_FAILED")
}

// HashSessionToken computes the SHA256 hash of a session token.
func HashSessionToken(token string) string {
	return hashOpaqueToken(token)
}

func generateOpaqueToken(n int, code string) (token, hash string, err error) {
	buf := make([]byte, n)
	if _, err = rand.Read(buf); err != nil {
		return "", "", oops.Code(code).
			With("operation", "crypto/rand.Read").
			With("requested_bytes", n).
			Wrap(err)
	}
	token = hex.EncodeToString(buf)
	return token, hashOpaqueToken(token), nil
}

func hashOpaqueToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// SessionLookup is the result of the single joined read on the validate
// path: the session plus the identity summary it binds to.
type SessionLookup struct {
	Session       *Session
	Email         string
	EmailVerified bool
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Lookup reads a session and its identity summary by token hash in one
	// query. Returns ErrNotFound if no session has the hash.
	Lookup(ctx context.Context, tokenHash string) (*SessionLookup, error)

	// ListActive returns sessions for the identity that are valid at now,
	// newest first.
	ListActive(ctx context.Context, identityID ulid.ULID, now time.Time) ([]*Session, error)

	// RevokeByTokenHash sets revoked_at on the session if it is active at
	// the given time and returns it. Returns ErrNotFound otherwise.
	RevokeByTokenHash(ctx context.Context, tokenHash string, at time.Time) (*Session, error)

	// Revoke sets revoked_at on an unrevoked session by ID. Reports whether
	// a row changed.
	Revoke(ctx context.Context, id ulid.ULID, at time.Time) (bool, error)

	// RevokeAllForIdentity revokes every unrevoked session of the identity
	// and returns the count.
	RevokeAllForIdentity(ctx context.Context, identityID ulid.ULID, at time.Time) (int64, error)

	// Delete removes a session by ID. Deleting a missing session is not an error.
	Delete(ctx context.Context, id ulid.ULID) error

	// DeleteExpired removes sessions that expired before the given time and
	// returns the count of deleted records.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
