// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Mailer delivers account emails. Implementations must not log link values.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, link string) error
	SendPasswordResetEmail(ctx context.Context, to, link string) error
}

// AccountConfig configures AccountService.
type AccountConfig struct {
	// BaseURL prefixes links in outgoing email, e.g. "https://example.com".
	BaseURL        string
	VerifyTokenTTL time.Duration
	ResetTokenTTL  time.Duration
}

// AccountService runs the registration, verification and reset flows.
type AccountService struct {
	creds  *CredentialStore
	tokens *TokenLedger
	mailer Mailer
	cfg    AccountConfig
	opts   options
}

// NewAccountService creates an AccountService. Zero TTLs select the defaults.
func NewAccountService(creds *CredentialStore, tokens *TokenLedger, mailer Mailer, cfg AccountConfig, opts ...Option) (*AccountService, error) {
	if creds == nil {
		return nil, oops.Code("ACCOUNTS_INVALID_CONFIG").Errorf("credential store is required")
	}
	if tokens == nil {
		return nil, oops.Code("ACCOUNTS_INVALID_CONFIG").Errorf("token ledger is required")
	}
	if mailer == nil {
		return nil, oops.Code("ACCOUNTS_INVALID_CONFIG").Errorf("mailer is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, oops.Code("ACCOUNTS_INVALID_CONFIG").With("base_url", cfg.BaseURL).Wrap(err)
	}
	if cfg.VerifyTokenTTL == 0 {
		cfg.VerifyTokenTTL = DefaultVerifyTokenTTL
	}
	if cfg.ResetTokenTTL == 0 {
		cfg.ResetTokenTTL = DefaultResetTokenTTL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &AccountService{
		creds:  creds,
		tokens: tokens,
		mailer: mailer,
		cfg:    cfg,
		opts:   buildOptions(opts),
	}, nil
}

// Register creates an identity and emails a verification link.
// A duplicate email fails with KindEmailTaken; callers that face the
// public must not reveal it.
func (s *AccountService) Register(ctx context.Context, email, password string) (*Identity, error) {
	identity, err := s.creds.Register(ctx, email, password)
	if err != nil {
		return nil, err
	}
	s.sendVerification(ctx, identity.ID, identity.Email)
	return identity, nil
}

// ResendVerification issues a fresh verification link for an unverified
// identity. Unknown and already verified emails are silently ignored.
func (s *AccountService) ResendVerification(ctx context.Context, email string) error {
	identity, err := s.creds.Lookup(ctx, email)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return oops.With("operation", "lookup identity").Wrap(err)
	}
	if identity.EmailVerified {
		return nil
	}
	s.sendVerification(ctx, identity.ID, identity.Email)
	return nil
}

func (s *AccountService) sendVerification(ctx context.Context, id ulid.ULID, email string) {
	token, err := s.tokens.Issue(ctx, id, PurposeVerifyEmail, s.cfg.VerifyTokenTTL)
	if err != nil {
		s.opts.logger.ErrorContext(ctx, "failed to issue verification token",
			"identity_id", id.String(),
			"error", err)
		return
	}
	if err := s.mailer.SendVerificationEmail(ctx, email, s.link("/auth/verify-email", token)); err != nil {
		s.opts.logger.ErrorContext(ctx, "failed to send verification email",
			"identity_id", id.String(),
			"error", err)
	}
}

// VerifyEmail redeems a verification token and marks the owner's email
// verified in the same transaction.
func (s *AccountService) VerifyEmail(ctx context.Context, token string) (ulid.ULID, error) {
	return s.tokens.Redeem(ctx, token, PurposeVerifyEmail, s.creds.MarkEmailVerified)
}

// RequestPasswordReset emails a reset link if the email is registered.
// Unknown emails succeed without effect. Only storage failures are returned.
func (s *AccountService) RequestPasswordReset(ctx context.Context, email string) error {
	identity, err := s.creds.Lookup(ctx, email)
	if err != nil {
		if isNotFound(err) {
			s.opts.logger.DebugContext(ctx, "password reset requested for unknown email")
			return nil
		}
		return oops.With("operation", "lookup identity").Wrap(err)
	}

	token, err := s.tokens.Issue(ctx, identity.ID, PurposeResetPassword, s.cfg.ResetTokenTTL)
	if err != nil {
		return err
	}
	if err := s.mailer.SendPasswordResetEmail(ctx, identity.Email, s.link("/auth/reset-password", token)); err != nil {
		s.opts.logger.ErrorContext(ctx, "failed to send password reset email",
			"identity_id", identity.ID.String(),
			"error", err)
	}
	return nil
}

// ResetPassword redeems a reset token and replaces the owner's password.
// The token is consumed, the hash replaced and every session revoked in one
// transaction. The new password is validated and hashed before the token
// is touched, so an invalid password leaves the token redeemable.
func (s *AccountService) ResetPassword(ctx context.Context, token, newPassword string) (ulid.ULID, error) {
	hash, err := s.creds.Hash(newPassword)
	if err != nil {
		return ulid.ULID{}, err
	}
	return s.tokens.Redeem(ctx, token, PurposeResetPassword, func(ctx context.Context, identityID ulid.ULID) error {
		return s.creds.SetPassword(ctx, identityID, hash)
	})
}

func (s *AccountService) link(path, token string) string {
	return s.cfg.BaseURL + path + "?" + url.Values{"token": {token}}.Encode()
}
