// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Read retry policy for StorageUnavailable on the validate path.
const (
	validateRetries     = 2
	validateRetryBase   = 25 * time.Millisecond
	validateRetryMaxGap = 200 * time.Millisecond
)

// SessionManager issues, validates, rotates and revokes sessions.
type SessionManager struct {
	sessions SessionRepository
	creds    *CredentialStore
	limiter  *RateLimiter
	tx       Transactor
	ttl      time.Duration
	opts     options
}

// NewSessionManager creates a SessionManager. A zero ttl selects DefaultSessionTTL.
func NewSessionManager(
	sessions SessionRepository,
	creds *CredentialStore,
	limiter *RateLimiter,
	tx Transactor,
	ttl time.Duration,
	opts ...Option,
) (*SessionManager, error) {
	if sessions == nil {
		return nil, oops.Code("SESSIONS_INVALID_CONFIG").Errorf("session repository is required")
	}
	if creds == nil {
		return nil, oops.Code("SESSIONS_INVALID_CONFIG").Errorf("credential store is required")
	}
	if limiter == nil {
		return nil, oops.Code("SESSIONS_INVALID_CONFIG").Errorf("rate limiter is required")
	}
	if tx == nil {
		return nil, oops.Code("SESSIONS_INVALID_CONFIG").Errorf("transactor is required")
	}
	if ttl < 0 {
		return nil, oops.Code("SESSIONS_INVALID_CONFIG").With("ttl", ttl).Errorf("session ttl cannot be negative")
	}
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		sessions: sessions,
		creds:    creds,
		limiter:  limiter,
		tx:       tx,
		ttl:      ttl,
		opts:     buildOptions(opts),
	}, nil
}

// TTL returns the configured session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Login authenticates an email/password pair and creates a session.
//
// The attempt is counted against the account and the source address before
// credentials are checked, whether or not the account exists. When either
// counter is locked the password is never examined. A correct password
// clears the account counter and refunds the source reservation, so only
// failed guesses accumulate against a shared address. A correct password
// for an unverified email then fails with KindEmailNotVerified.
func (m *SessionManager) Login(ctx context.Context, email, password string, meta SourceMeta) (_ *Session, _ string, err error) {
	ctx, span := tracer.Start(ctx, "auth.session.login")
	defer func() {
		m.opts.recorder.LoginAttempt(resultLabel(err))
		endSpan(span, err)
	}()

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, "", errorOf(KindInvalidInput).Errorf("email and password are required")
	}

	accountKey := AccountKey(email)
	keys := []AttemptKey{accountKey}
	if meta.IPAddress != "" {
		keys = append(keys, SourceKey(meta.IPAddress))
	}

	locked := false
	var sourceRes *Reservation
	for _, key := range keys {
		decision, res, err := m.limiter.reserve(ctx, key)
		if err != nil {
			return nil, "", err
		}
		if decision == Locked {
			locked = true
		}
		if key.Scope == ScopeSource {
			sourceRes = &res
		}
	}
	if locked {
		m.opts.logger.WarnContext(ctx, "login rejected by rate limiter", "source", meta.IPAddress)
		return nil, "", errorOf(KindRateLimited).Errorf("too many attempts")
	}

	check, err := m.creds.Check(ctx, email, password)
	if err != nil {
		return nil, "", err
	}
	if !check.Valid {
		m.opts.logger.InfoContext(ctx, "login failed",
			"reason", "invalid_credentials",
			"known_identity", check.Found,
			"source", meta.IPAddress)
		return nil, "", errorOf(KindInvalidCredentials).Errorf("invalid credentials")
	}

	m.clearAttempts(ctx, accountKey)
	if sourceRes != nil {
		m.refundAttempt(ctx, *sourceRes)
	}

	if !check.EmailVerified {
		m.opts.logger.InfoContext(ctx, "login failed",
			"reason", "email_not_verified",
			"identity_id", check.IdentityID.String())
		return nil, "", errorOf(KindEmailNotVerified).Errorf("email not verified")
	}

	session, token, err := m.create(ctx, check.IdentityID, meta)
	if err != nil {
		return nil, "", err
	}

	span.SetAttributes(attribute.String("session.id", session.ID.String()))
	m.opts.logger.InfoContext(ctx, "login succeeded",
		"identity_id", check.IdentityID.String(),
		"session_id", session.ID.String())
	return session, token, nil
}

func (m *SessionManager) clearAttempts(ctx context.Context, key AttemptKey) {
	if err := m.limiter.Clear(ctx, key); err != nil {
		m.opts.logger.WarnContext(ctx, "failed to clear attempt counter",
			"scope", string(key.Scope),
			"error", err)
	}
}

func (m *SessionManager) refundAttempt(ctx context.Context, res Reservation) {
	if err := m.limiter.Refund(ctx, res); err != nil {
		m.opts.logger.WarnContext(ctx, "failed to refund attempt",
			"scope", string(res.Key.Scope),
			"error", err)
	}
}

func (m *SessionManager) create(ctx context.Context, identityID ulid.ULID, meta SourceMeta) (*Session, string, error) {
	token, hash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", err
	}
	session, err := NewSession(identityID, hash, meta, m.opts.now(), m.ttl)
	if err != nil {
		return nil, "", err
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, "", oops.With("operation", "create session").With("identity_id", identityID.String()).Wrap(err)
	}
	return session, token, nil
}

// Validate resolves a session token to its principal with a single read.
//
// Failures carry KindSessionNotFound, KindSessionExpired or
// KindSessionRevoked. Expired sessions are deleted best-effort. The read is
// retried on KindStorageUnavailable.
func (m *SessionManager) Validate(ctx context.Context, token string) (_ Principal, err error) {
	ctx, span := tracer.Start(ctx, "auth.session.validate")
	defer func() {
		m.opts.recorder.SessionValidated(resultLabel(err))
		endSpan(span, err)
	}()

	if token == "" {
		return Anonymous, errorOf(KindSessionNotFound).Errorf("session not found")
	}

	lookup, err := m.lookup(ctx, HashSessionToken(token))
	if err != nil {
		if isNotFound(err) {
			return Anonymous, errorOf(KindSessionNotFound).Errorf("session not found")
		}
		return Anonymous, err
	}

	session := lookup.Session
	span.SetAttributes(attribute.String("session.id", session.ID.String()))

	switch session.StateAt(m.opts.now()) {
	case SessionExpired:
		m.deleteExpired(ctx, session.ID)
		return Anonymous, errorOf(KindSessionExpired).With("session_id", session.ID.String()).Errorf("session expired")
	case SessionRevoked:
		return Anonymous, errorOf(KindSessionRevoked).With("session_id", session.ID.String()).Errorf("session revoked")
	}

	return Principal{
		IdentityID:    session.IdentityID,
		Email:         lookup.Email,
		EmailVerified: lookup.EmailVerified,
		SessionID:     session.ID,
		ExpiresAt:     session.ExpiresAt,
	}, nil
}

func (m *SessionManager) lookup(ctx context.Context, hash string) (*SessionLookup, error) {
	backoff := retry.WithMaxRetries(validateRetries,
		retry.WithCappedDuration(validateRetryMaxGap, retry.NewExponential(validateRetryBase)))

	var out *SessionLookup
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		lookup, err := m.sessions.Lookup(ctx, hash)
		if err != nil {
			if IsKind(err, KindStorageUnavailable) && ctx.Err() == nil {
				return retry.RetryableError(err)
			}
			return err
		}
		out = lookup
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *SessionManager) deleteExpired(ctx context.Context, id ulid.ULID) {
	if err := m.sessions.Delete(ctx, id); err != nil {
		m.opts.logger.DebugContext(ctx, "lazy delete of expired session failed",
			"session_id", id.String(),
			"error", err)
	}
}

// Revoke ends the session bound to token. Unknown, expired and already
// revoked tokens are not an error.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	session, err := m.sessions.RevokeByTokenHash(ctx, HashSessionToken(token), m.opts.now())
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return oops.With("operation", "revoke session").Wrap(err)
	}
	m.opts.recorder.SessionsRevoked("logout", 1)
	m.opts.logger.InfoContext(ctx, "session revoked",
		"session_id", session.ID.String(),
		"identity_id", session.IdentityID.String())
	return nil
}

// RevokeByID ends a session by its ID. Idempotent.
func (m *SessionManager) RevokeByID(ctx context.Context, id ulid.ULID) error {
	changed, err := m.sessions.Revoke(ctx, id, m.opts.now())
	if err != nil {
		return oops.With("operation", "revoke session by id").With("session_id", id.String()).Wrap(err)
	}
	if changed {
		m.opts.recorder.SessionsRevoked("explicit", 1)
		m.opts.logger.InfoContext(ctx, "session revoked", "session_id", id.String())
	}
	return nil
}

// RevokeAll ends every active session of the identity and returns how many
// were revoked. New logins are unaffected.
func (m *SessionManager) RevokeAll(ctx context.Context, identityID ulid.ULID) (_ int64, err error) {
	ctx, span := tracer.Start(ctx, "auth.session.revoke_all",
		trace.WithAttributes(attribute.String("identity.id", identityID.String())),
	)
	defer func() { endSpan(span, err) }()

	n, err := m.sessions.RevokeAllForIdentity(ctx, identityID, m.opts.now())
	if err != nil {
		return 0, oops.With("operation", "revoke all sessions").With("identity_id", identityID.String()).Wrap(err)
	}
	m.opts.recorder.SessionsRevoked("revoke_all", int(n))
	m.opts.logger.InfoContext(ctx, "sessions revoked",
		"identity_id", identityID.String(),
		"count", n)
	return n, nil
}

// Rotate replaces the session bound to token with a new one for the same
// identity. The old session is revoked and the new one created in one
// transaction, so exactly one of them is valid at any instant. A request
// still carrying the old token after the cutover is rejected.
func (m *SessionManager) Rotate(ctx context.Context, token string) (_ *Session, _ string, err error) {
	ctx, span := tracer.Start(ctx, "auth.session.rotate")
	defer func() { endSpan(span, err) }()

	if token == "" {
		return nil, "", errorOf(KindSessionNotFound).Errorf("session not found")
	}
	hash := HashSessionToken(token)

	var (
		next     *Session
		newToken string
		old      *Session
	)
	err = m.tx.InTransaction(ctx, func(ctx context.Context) error {
		revoked, err := m.sessions.RevokeByTokenHash(ctx, hash, m.opts.now())
		if err != nil {
			if isNotFound(err) {
				return m.classify(ctx, hash)
			}
			return oops.With("operation", "revoke session").Wrap(err)
		}
		old = revoked

		next, newToken, err = m.create(ctx, revoked.IdentityID, SourceMeta{
			UserAgent: revoked.UserAgent,
			IPAddress: revoked.IPAddress,
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}

	m.opts.recorder.SessionsRevoked("rotate", 1)
	m.opts.logger.InfoContext(ctx, "session rotated",
		"identity_id", old.IdentityID.String(),
		"old_session_id", old.ID.String(),
		"session_id", next.ID.String())
	return next, newToken, nil
}

// classify explains why a conditional revoke matched no active session.
func (m *SessionManager) classify(ctx context.Context, hash string) error {
	lookup, err := m.sessions.Lookup(ctx, hash)
	if err != nil {
		if isNotFound(err) {
			return errorOf(KindSessionNotFound).Errorf("session not found")
		}
		return oops.With("operation", "lookup session").Wrap(err)
	}
	if lookup.Session.StateAt(m.opts.now()) == SessionExpired {
		return errorOf(KindSessionExpired).With("session_id", lookup.Session.ID.String()).Errorf("session expired")
	}
	return errorOf(KindSessionRevoked).With("session_id", lookup.Session.ID.String()).Errorf("session revoked")
}

// ListActive returns the identity's active sessions, newest first.
func (m *SessionManager) ListActive(ctx context.Context, identityID ulid.ULID) ([]*Session, error) {
	sessions, err := m.sessions.ListActive(ctx, identityID, m.opts.now())
	if err != nil {
		return nil, oops.With("operation", "list active sessions").With("identity_id", identityID.String()).Wrap(err)
	}
	return sessions, nil
}

// PurgeExpired deletes sessions whose expiry has passed.
func (m *SessionManager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx, m.opts.now())
	if err != nil {
		return 0, oops.With("operation", "purge expired sessions").Wrap(err)
	}
	return n, nil
}
