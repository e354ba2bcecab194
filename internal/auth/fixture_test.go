// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/auth/authtest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *authtest.Store
	clock  *authtest.Clock
	mailer *authtest.Mailer
	core   *auth.Core
}

func newFixture(t *testing.T, mutate ...func(*auth.Settings)) *fixture {
	t.Helper()

	settings := authtest.Settings()
	for _, m := range mutate {
		m(&settings)
	}

	f := &fixture{
		store:  authtest.NewStore(),
		clock:  authtest.NewClock(epoch),
		mailer: &authtest.Mailer{},
	}
	core, err := auth.NewCore(f.store, settings, f.mailer, auth.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.core = core
	return f
}

// register creates an unverified identity.
func (f *fixture) register(t *testing.T, email, password string) ulid.ULID {
	t.Helper()
	identity, err := f.core.Accounts.Register(context.Background(), email, password)
	require.NoError(t, err)
	return identity.ID
}

// registerVerified creates an identity and redeems its verification link.
func (f *fixture) registerVerified(t *testing.T, email, password string) ulid.ULID {
	t.Helper()
	id := f.register(t, email, password)
	token, ok := f.mailer.LastToken("verify", auth.NormalizeEmail(email))
	require.True(t, ok, "verification mail not sent")
	_, err := f.core.Accounts.VerifyEmail(context.Background(), token)
	require.NoError(t, err)
	return id
}

func (f *fixture) login(t *testing.T, email, password string) string {
	t.Helper()
	_, token, err := f.core.Sessions.Login(context.Background(), email, password, auth.SourceMeta{})
	require.NoError(t, err)
	return token
}

func requireKind(t *testing.T, err error, kind auth.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, auth.KindOf(err), "error: %v", err)
}
