// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/auth/authtest"
)

func newLimiter(t *testing.T, policy auth.LockoutPolicy) (*auth.RateLimiter, *authtest.Clock) {
	t.Helper()
	clock := authtest.NewClock(epoch)
	limiter, err := auth.NewRateLimiter(authtest.NewStore().Attempts(), policy, auth.WithClock(clock.Now))
	require.NoError(t, err)
	return limiter, clock
}

func TestAttemptKey(t *testing.T) {
	assert.Equal(t, "account:a@x.com", auth.AccountKey(" A@X.com ").String())
	assert.Equal(t, "source:203.0.113.9", auth.SourceKey("203.0.113.9").String())
}

func TestRateLimiter_CheckAndRecordAttempt(t *testing.T) {
	ctx := context.Background()
	policy := auth.LockoutPolicy{Threshold: 3, SourceThreshold: 5, Window: 10 * time.Minute}
	key := auth.AccountKey(testEmail)

	t.Run("locks once failures exceed the threshold", func(t *testing.T) {
		limiter, _ := newLimiter(t, policy)

		for i := 0; i < policy.Threshold; i++ {
			d, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeFailure)
			require.NoError(t, err)
			assert.Equal(t, auth.Allowed, d, "attempt %d", i+1)
		}
		d, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeFailure)
		require.NoError(t, err)
		assert.Equal(t, auth.Locked, d)
	})

	t.Run("success is locked after threshold failures", func(t *testing.T) {
		limiter, _ := newLimiter(t, policy)
		for i := 0; i < policy.Threshold; i++ {
			_, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeFailure)
			require.NoError(t, err)
		}

		d, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeSuccess)
		require.NoError(t, err)
		assert.Equal(t, auth.Locked, d)
	})

	t.Run("success below threshold clears the counter", func(t *testing.T) {
		limiter, _ := newLimiter(t, policy)
		for i := 0; i < policy.Threshold-1; i++ {
			_, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeFailure)
			require.NoError(t, err)
		}
		d, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeSuccess)
		require.NoError(t, err)
		assert.Equal(t, auth.Allowed, d)

		for i := 0; i < policy.Threshold; i++ {
			d, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeFailure)
			require.NoError(t, err)
			assert.Equal(t, auth.Allowed, d)
		}
	})

	t.Run("window elapse allows again", func(t *testing.T) {
		limiter, clock := newLimiter(t, policy)
		for i := 0; i <= policy.Threshold; i++ {
			_, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeFailure)
			require.NoError(t, err)
		}

		clock.Advance(policy.Window - time.Second)
		d, err := limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeSuccess)
		require.NoError(t, err)
		assert.Equal(t, auth.Locked, d)

		clock.Advance(time.Second)
		d, err = limiter.CheckAndRecordAttempt(ctx, key, auth.OutcomeSuccess)
		require.NoError(t, err)
		assert.Equal(t, auth.Allowed, d)
	})

	t.Run("keys are independent and source has its own threshold", func(t *testing.T) {
		limiter, _ := newLimiter(t, policy)
		src := auth.SourceKey("203.0.113.9")

		for i := 0; i < policy.SourceThreshold; i++ {
			d, err := limiter.Reserve(ctx, src)
			require.NoError(t, err)
			assert.Equal(t, auth.Allowed, d)
		}
		d, err := limiter.Reserve(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, auth.Locked, d)

		d, err = limiter.Reserve(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, auth.Allowed, d)
	})
}

func TestRateLimiter_Refund(t *testing.T) {
	ctx := context.Background()
	policy := auth.LockoutPolicy{Threshold: 2, SourceThreshold: 2, Window: 10 * time.Minute}
	src := auth.SourceKey("192.0.2.1")

	t.Run("takes back one attempt", func(t *testing.T) {
		limiter, clock := newLimiter(t, policy)
		res := auth.Reservation{Key: src, WindowStart: clock.Now()}

		for i := 0; i < 5; i++ {
			d, err := limiter.Reserve(ctx, src)
			require.NoError(t, err)
			require.Equal(t, auth.Allowed, d, "attempt %d", i+1)
			require.NoError(t, limiter.Refund(ctx, res))
		}
	})

	t.Run("ignores a restarted window", func(t *testing.T) {
		limiter, clock := newLimiter(t, policy)
		stale := auth.Reservation{Key: src, WindowStart: clock.Now()}
		_, err := limiter.Reserve(ctx, src)
		require.NoError(t, err)

		clock.Advance(policy.Window)
		for i := 0; i < policy.SourceThreshold; i++ {
			_, err := limiter.Reserve(ctx, src)
			require.NoError(t, err)
		}
		require.NoError(t, limiter.Refund(ctx, stale))

		d, err := limiter.Reserve(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, auth.Locked, d)
	})

	t.Run("missing counter is not an error", func(t *testing.T) {
		limiter, clock := newLimiter(t, policy)
		assert.NoError(t, limiter.Refund(ctx, auth.Reservation{Key: src, WindowStart: clock.Now()}))
	})
}

func TestRateLimiter_StorageFailure(t *testing.T) {
	store := authtest.NewStore()
	limiter, err := auth.NewRateLimiter(store.Attempts(), auth.DefaultLockoutPolicy())
	require.NoError(t, err)

	store.FailNext("attempts.Increment", 1)
	_, err = limiter.Reserve(context.Background(), auth.AccountKey(testEmail))
	requireKind(t, err, auth.KindStorageUnavailable)
}

func TestRateLimiter_PurgeStale(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newLimiter(t, auth.DefaultLockoutPolicy())

	_, err := limiter.Reserve(ctx, auth.AccountKey("old@x.com"))
	require.NoError(t, err)
	clock.Advance(auth.DefaultLockoutWindow + time.Minute)
	_, err = limiter.Reserve(ctx, auth.AccountKey("new@x.com"))
	require.NoError(t, err)

	n, err := limiter.PurgeStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLockoutPolicy_Validate(t *testing.T) {
	assert.NoError(t, auth.DefaultLockoutPolicy().Validate())
	assert.Error(t, auth.LockoutPolicy{Threshold: 0, SourceThreshold: 1, Window: time.Minute}.Validate())
	assert.Error(t, auth.LockoutPolicy{Threshold: 1, SourceThreshold: 1}.Validate())

	_, err := auth.NewRateLimiter(nil, auth.DefaultLockoutPolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt repository is required")
}
