// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"log/slog"
	"time"
)

// Option configures ambient dependencies shared by the auth services.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	now      func() time.Time
	recorder Recorder
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		now:      time.Now,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRecorder sets the metrics recorder. A nil recorder is ignored.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// Recorder receives outcome counts from the auth services.
// Result labels are short, fixed strings (e.g. "success", "invalid_credentials").
type Recorder interface {
	LoginAttempt(result string)
	SessionValidated(result string)
	SessionsRevoked(reason string, count int)
	TokenIssued(purpose Purpose)
	TokenRedeemed(purpose Purpose, result string)
	Lockout(scope AttemptScope)
}

type nopRecorder struct{}

func (nopRecorder) LoginAttempt(string) {}
func (nopRecorder) SessionValidated(string) {}
func (nopRecorder) SessionsRevoked(string, int) {}
func (nopRecorder) TokenIssued(Purpose) {}
func (nopRecorder) TokenRedeemed(Purpose, string) {}
func (nopRecorder) Lockout(AttemptScope) {}

// resultLabel maps an error to a metric label.
func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if k := KindOf(err); k != KindUnknown {
		return string(k)
	}
	return "error"
}

// Transactor runs fn inside a single storage unit of work. Repository calls
// made with the ctx passed to fn participate in the same transaction; nested
// calls reuse the outer transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
