// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Principal is the identity bound to a request. The zero value is Anonymous.
type Principal struct {
	IdentityID    ulid.ULID
	Email         string
	EmailVerified bool
	SessionID     ulid.ULID
	ExpiresAt     time.Time
}

// Anonymous is the principal of a request without a valid session.
var Anonymous = Principal{}

// IsAnonymous reports whether no identity is bound.
func (p Principal) IsAnonymous() bool {
	return p.IdentityID.Compare(ulid.ULID{}) == 0
}

// SessionValidator validates a session token.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (Principal, error)
}

// Binder resolves inbound session tokens to principals.
type Binder struct {
	sessions SessionValidator
	opts     options
}

// NewBinder creates a Binder over the given validator.
func NewBinder(sessions SessionValidator, opts ...Option) (*Binder, error) {
	if sessions == nil {
		return nil, oops.Code("BINDER_INVALID_CONFIG").Errorf("session validator is required")
	}
	return &Binder{sessions: sessions, opts: buildOptions(opts)}, nil
}

// Resolve returns the principal for token. A missing, unknown, expired or
// revoked token yields Anonymous with a nil error; only storage failures
// are returned.
func (b *Binder) Resolve(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Anonymous, nil
	}
	p, err := b.sessions.Validate(ctx, token)
	if err == nil {
		return p, nil
	}
	if k := KindOf(err); k.IsSession() {
		b.opts.logger.DebugContext(ctx, "request bound anonymous", "reason", string(k))
		return Anonymous, nil
	}
	return Anonymous, oops.With("operation", "resolve session").Wrap(err)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal bound to ctx, or Anonymous.
func PrincipalFromContext(ctx context.Context) Principal {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Anonymous
	}
	return p
}
