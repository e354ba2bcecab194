// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/samber/oops"
)

// Rate limiting defaults.
const (
	// DefaultLockoutThreshold is the number of failures per account allowed in one window.
	DefaultLockoutThreshold = 10

	// DefaultSourceThreshold is the number of failures per source address allowed in one window.
	DefaultSourceThreshold = 100

	// DefaultLockoutWindow is the fixed counting window.
	DefaultLockoutWindow = 10 * time.Minute
)

// AttemptScope says what an attempt counter is keyed on.
type AttemptScope string

// Attempt scopes.
const (
	ScopeAccount AttemptScope = "account"
	ScopeSource  AttemptScope = "source"
)

// AttemptKey identifies one attempt counter.
type AttemptKey struct {
	Scope AttemptScope
	Value string
}

// AccountKey keys a counter on a normalized email. Unknown emails get
// counters too, so lockout never reveals whether an account exists.
func AccountKey(email string) AttemptKey {
	return AttemptKey{Scope: ScopeAccount, Value: NormalizeEmail(email)}
}

// SourceKey keys a counter on a client address.
func SourceKey(addr string) AttemptKey {
	return AttemptKey{Scope: ScopeSource, Value: addr}
}

// String returns the storage form, e.g. "account:a@x.com".
func (k AttemptKey) String() string {
	return string(k.Scope) + ":" + k.Value
}

// Outcome is the result of a login attempt.
type Outcome int

// Attempt outcomes.
const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

// Decision is the limiter's only outward signal.
type Decision int

// Decisions.
const (
	Allowed Decision = iota
	Locked
)

// String returns "allowed" or "locked".
func (d Decision) String() string {
	if d == Locked {
		return "locked"
	}
	return "allowed"
}

// LockoutPolicy configures the limiter.
type LockoutPolicy struct {
	Threshold       int
	SourceThreshold int
	Window          time.Duration
}

// DefaultLockoutPolicy returns 10 account failures and 100 source failures per 10 minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold:       DefaultLockoutThreshold,
		SourceThreshold: DefaultSourceThreshold,
		Window:          DefaultLockoutWindow,
	}
}

// Validate rejects non-positive values.
func (p LockoutPolicy) Validate() error {
	if p.Threshold <= 0 || p.SourceThreshold <= 0 || p.Window <= 0 {
		return oops.Code("LOCKOUT_POLICY_INVALID").
			With("threshold", p.Threshold).
			With("source_threshold", p.SourceThreshold).
			With("window", p.Window).
			Errorf("lockout threshold and window must be positive")
	}
	return nil
}

func (p LockoutPolicy) thresholdFor(scope AttemptScope) int {
	if scope == ScopeSource {
		return p.SourceThreshold
	}
	return p.Threshold
}

// AttemptCounter is a fixed-window failure counter.
type AttemptCounter struct {
	Key         string
	Count       int
	WindowStart time.Time
}

// activeAt reports whether the counter's window still covers t.
func (c AttemptCounter) activeAt(t time.Time, window time.Duration) bool {
	return t.Before(c.WindowStart.Add(window))
}

// AttemptRepository stores attempt counters.
type AttemptRepository interface {
	// Increment atomically adds one to the counter for key, first resetting
	// it if its window has elapsed at now. Concurrent callers observe
	// distinct counts.
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (AttemptCounter, error)

	// Get returns the counter for key, or ErrNotFound.
	Get(ctx context.Context, key string) (AttemptCounter, error)

	// Decrement atomically subtracts one from the counter for key, never
	// below zero, provided its window still starts at windowStart. A missing
	// counter or a restarted window is left untouched.
	Decrement(ctx context.Context, key string, windowStart time.Time) error

	// Clear deletes the counter for key. Clearing a missing counter is not an error.
	Clear(ctx context.Context, key string) error

	// DeleteStale removes counters whose window started before the given time.
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// RateLimiter gates login attempts with per-key fixed-window counters held
// in storage. It keeps no in-process state.
type RateLimiter struct {
	attempts AttemptRepository
	policy   LockoutPolicy
	opts     options
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(attempts AttemptRepository, policy LockoutPolicy, opts ...Option) (*RateLimiter, error) {
	if attempts == nil {
		return nil, oops.Code("LIMITER_INVALID_CONFIG").Errorf("attempt repository is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &RateLimiter{attempts: attempts, policy: policy, opts: buildOptions(opts)}, nil
}

// Policy returns the configured policy.
func (r *RateLimiter) Policy() LockoutPolicy {
	return r.policy
}

// CheckAndRecordAttempt records the outcome of a completed attempt.
// A failure increments the counter and reports Locked once the count
// exceeds the threshold. A success reports Locked while the key is locked
// and otherwise clears the counter.
func (r *RateLimiter) CheckAndRecordAttempt(ctx context.Context, key AttemptKey, outcome Outcome) (Decision, error) {
	if outcome == OutcomeFailure {
		return r.Reserve(ctx, key)
	}

	locked, err := r.isLocked(ctx, key)
	if err != nil {
		return Allowed, err
	}
	if locked {
		return Locked, nil
	}
	if err := r.Clear(ctx, key); err != nil {
		return Allowed, err
	}
	return Allowed, nil
}

// Reservation is an attempt counted by Reserve, which Refund can take back.
type Reservation struct {
	Key         AttemptKey
	WindowStart time.Time
}

// Reserve counts an attempt as a failure before its outcome is known.
// Callers clear or refund the key if the attempt then succeeds. The
// increment and the threshold check are one atomic storage operation.
func (r *RateLimiter) Reserve(ctx context.Context, key AttemptKey) (Decision, error) {
	decision, _, err := r.reserve(ctx, key)
	return decision, err
}

func (r *RateLimiter) reserve(ctx context.Context, key AttemptKey) (Decision, Reservation, error) {
	counter, err := r.attempts.Increment(ctx, key.String(), r.opts.now(), r.policy.Window)
	if err != nil {
		return Allowed, Reservation{}, oops.With("operation", "increment attempt counter").With("scope", string(key.Scope)).Wrap(err)
	}
	res := Reservation{Key: key, WindowStart: counter.WindowStart}
	if counter.Count > r.policy.thresholdFor(key.Scope) {
		if counter.Count == r.policy.thresholdFor(key.Scope)+1 {
			r.opts.recorder.Lockout(key.Scope)
			r.opts.logger.WarnContext(ctx, "attempt threshold exceeded",
				"scope", string(key.Scope),
				"count", counter.Count,
				"window_start", counter.WindowStart)
		}
		return Locked, res, nil
	}
	return Allowed, res, nil
}

// Refund takes back one reserved attempt. Only that attempt is removed, so
// failures recorded by other callers under the same key still count.
func (r *RateLimiter) Refund(ctx context.Context, res Reservation) error {
	if err := r.attempts.Decrement(ctx, res.Key.String(), res.WindowStart); err != nil {
		return oops.With("operation", "refund attempt").With("scope", string(res.Key.Scope)).Wrap(err)
	}
	return nil
}

// Clear resets the counter for key.
func (r *RateLimiter) Clear(ctx context.Context, key AttemptKey) error {
	if err := r.attempts.Clear(ctx, key.String()); err != nil {
		return oops.With("operation", "clear attempt counter").With("scope", string(key.Scope)).Wrap(err)
	}
	return nil
}

// isLocked reports whether the key has reached its threshold in the
// current window.
func (r *RateLimiter) isLocked(ctx context.Context, key AttemptKey) (bool, error) {
	counter, err := r.attempts.Get(ctx, key.String())
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, oops.With("operation", "get attempt counter").With("scope", string(key.Scope)).Wrap(err)
	}
	if !counter.activeAt(r.opts.now(), r.policy.Window) {
		return false, nil
	}
	return counter.Count >= r.policy.thresholdFor(key.Scope), nil
}

// PurgeStale deletes counters whose window has elapsed.
func (r *RateLimiter) PurgeStale(ctx context.Context) (int64, error) {
	n, err := r.attempts.DeleteStale(ctx, r.opts.now().Add(-r.policy.Window))
	if err != nil {
		return 0, oops.With("operation", "purge stale attempt counters").Wrap(err)
	}
	return n, nil
}
