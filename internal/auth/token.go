// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Token configuration.
const (
	TokenBytes            = 32 // 256 bits
	DefaultVerifyTokenTTL = 24 * time.Hour
	DefaultResetTokenTTL  = time.Hour
)

// Purpose tags what a single-use token may be redeemed for.
type Purpose string

// Token purposes.
const (
	PurposeVerifyEmail   Purpose = "verify-email"
	PurposeResetPassword Purpose = "reset-password"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeVerifyEmail || p == PurposeResetPassword
}

// Token is a persisted single-use token. Only the hash of the value is kept.
type Token struct {
	ID         ulid.ULID
	IdentityID ulid.ULID
	Purpose    Purpose
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	UsedAt     *time.Time
}

// NewToken creates a validated Token.
func NewToken(identityID ulid.ULID, purpose Purpose, tokenHash string, now time.Time, ttl time.Duration) (*Token, error) {
	if identityID.Compare(ulid.ULID{}) == 0 {
		return nil, errorOf(KindInvalidInput).With("field", "identity_id").Errorf("identity ID cannot be zero")
	}
	if !purpose.Valid() {
		return nil, errorOf(KindInvalidInput).With("purpose", string(purpose)).Errorf("unknown token purpose")
	}
	if tokenHash == "" {
		return nil, errorOf(KindInvalidInput).With("field", "token_hash").Errorf("token hash cannot be empty")
	}
	if ttl <= 0 {
		return nil, errorOf(KindInvalidInput).With("ttl", ttl).Errorf("token ttl must be positive")
	}
	return &Token{
		ID:         ulid.Make(),
		IdentityID: identityID,
		Purpose:    purpose,
		TokenHash:  tokenHash,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// RedeemableAt reports whether the token is unused and unexpired at t.
func (t *Token) RedeemableAt(at time.Time) bool {
	return t.UsedAt == nil && at.Before(t.ExpiresAt)
}

// TokenRepository manages single-use token persistence.
type TokenRepository interface {
	// Create stores a new token.
	Create(ctx context.Context, token *Token) error

	// InvalidateOutstanding marks every unused token of the purpose for the
	// identity as used, serializing concurrent issuers for the same
	// identity and purpose. Returns the number of tokens invalidated.
	InvalidateOutstanding(ctx context.Context, identityID ulid.ULID, purpose Purpose, at time.Time) (int64, error)

	// MarkUsed sets used_at on the token only if it matches purpose, is
	// unused and unexpired at the given time. Returns the owning identity,
	// or ErrNotFound if no row qualified.
	MarkUsed(ctx context.Context, tokenHash string, purpose Purpose, at time.Time) (ulid.ULID, error)

	// GetByHash retrieves a token by hash and purpose.
	// Returns ErrNotFound if absent.
	GetByHash(ctx context.Context, tokenHash string, purpose Purpose) (*Token, error)

	// DeleteExpired removes tokens that expired before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// RedeemEffect is the purpose-specific side effect of a redemption. It runs
// in the redemption's transaction; returning an error undoes the mark-used.
type RedeemEffect func(ctx context.Context, identityID ulid.ULID) error

// TokenLedger issues and redeems single-use tokens.
type TokenLedger struct {
	tokens TokenRepository
	tx     Transactor
	opts   options
}

// NewTokenLedger creates a TokenLedger.
func NewTokenLedger(tokens TokenRepository, tx Transactor, opts ...Option) (*TokenLedger, error) {
	if tokens == nil {
		return nil, oops.Code("LEDGER_INVALID_CONFIG").Errorf("token repository is required")
	}
	if tx == nil {
		return nil, oops.Code("LEDGER_INVALID_CONFIG").Errorf("transactor is required")
	}
	return &TokenLedger{tokens: tokens, tx: tx, opts: buildOptions(opts)}, nil
}

// Issue creates a token for the identity, invalidating any outstanding token
// of the same purpose. The plaintext value is returned once and never stored.
func (l *TokenLedger) Issue(ctx context.Context, identityID ulid.ULID, purpose Purpose, ttl time.Duration) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "auth.token.issue",
		trace.WithAttributes(
			attribute.String("token.purpose", string(purpose)),
			attribute.String("identity.id", identityID.String()),
		),
	)
	defer func() { endSpan(span, err) }()

	value, hash, err := generateOpaqueToken(TokenBytes, "TOKEN_GENERATE_FAILED")
	if err != nil {
		return "", err
	}

	token, err := NewToken(identityID, purpose, hash, l.opts.now(), ttl)
	if err != nil {
		return "", err
	}

	var invalidated int64
	err = l.tx.InTransaction(ctx, func(ctx context.Context) error {
		n, err := l.tokens.InvalidateOutstanding(ctx, identityID, purpose, token.CreatedAt)
		if err != nil {
			return oops.With("operation", "invalidate outstanding tokens").Wrap(err)
		}
		invalidated = n
		if err := l.tokens.Create(ctx, token); err != nil {
			return oops.With("operation", "create token").Wrap(err)
		}
		return nil
	})
	if err != nil {
		return "", oops.With("purpose", string(purpose)).With("identity_id", identityID.String()).Wrap(err)
	}

	l.opts.recorder.TokenIssued(purpose)
	l.opts.logger.InfoContext(ctx, "token issued",
		"token_id", token.ID.String(),
		"identity_id", identityID.String(),
		"purpose", string(purpose),
		"invalidated", invalidated,
		"expires_at", token.ExpiresAt)
	return value, nil
}

// Redeem consumes a token exactly once and runs effect in the same
// transaction. A nil effect only consumes the token.
//
// Failures carry KindTokenNotFound, KindTokenExpired or KindTokenAlreadyUsed.
// Under concurrent redemption of one value exactly one caller succeeds.
func (l *TokenLedger) Redeem(ctx context.Context, value string, purpose Purpose, effect RedeemEffect) (_ ulid.ULID, err error) {
	ctx, span := tracer.Start(ctx, "auth.token.redeem",
		trace.WithAttributes(attribute.String("token.purpose", string(purpose))),
	)
	defer func() {
		l.opts.recorder.TokenRedeemed(purpose, resultLabel(err))
		endSpan(span, err)
	}()

	if value == "" || !purpose.Valid() {
		return ulid.ULID{}, errorOf(KindTokenNotFound).With("purpose", string(purpose)).Errorf("token not found")
	}
	hash := hashOpaqueToken(value)

	var identityID ulid.ULID
	err = l.tx.InTransaction(ctx, func(ctx context.Context) error {
		now := l.opts.now()
		id, err := l.tokens.MarkUsed(ctx, hash, purpose, now)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return l.classify(ctx, hash, purpose, now)
			}
			return oops.With("operation", "mark token used").Wrap(err)
		}
		identityID = id
		if effect != nil {
			if err := effect(ctx, id); err != nil {
				return oops.With("operation", "redeem effect").With("identity_id", id.String()).Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		l.opts.logger.DebugContext(ctx, "token redemption failed",
			"purpose", string(purpose),
			"reason", resultLabel(err))
		return ulid.ULID{}, oops.With("purpose", string(purpose)).Wrap(err)
	}

	span.SetAttributes(attribute.String("identity.id", identityID.String()))
	l.opts.logger.InfoContext(ctx, "token redeemed",
		"identity_id", identityID.String(),
		"purpose", string(purpose))
	return identityID, nil
}

// classify explains why MarkUsed matched no row.
func (l *TokenLedger) classify(ctx context.Context, hash string, purpose Purpose, now time.Time) error {
	token, err := l.tokens.GetByHash(ctx, hash, purpose)
	switch {
	case errors.Is(err, ErrNotFound):
		return errorOf(KindTokenNotFound).Errorf("token not found")
	case err != nil:
		return oops.With("operation", "get token by hash").Wrap(err)
	case token.UsedAt != nil:
		return errorOf(KindTokenAlreadyUsed).With("token_id", token.ID.String()).Errorf("token already used")
	case !now.Before(token.ExpiresAt):
		return errorOf(KindTokenExpired).With("token_id", token.ID.String()).Errorf("token expired")
	default:
		// MarkUsed lost to nothing we can see; report as used so callers
		// never retry a redemption.
		return errorOf(KindTokenAlreadyUsed).With("token_id", token.ID.String()).Errorf("token not redeemable")
	}
}

// PurgeExpired deletes tokens whose expiry has passed.
func (l *TokenLedger) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := l.tokens.DeleteExpired(ctx, l.opts.now())
	if err != nil {
		return 0, oops.With("operation", "purge expired tokens").Wrap(err)
	}
	return n, nil
}
