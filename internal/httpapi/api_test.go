// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/auth/authtest"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "correct horse battery"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type observation struct {
	route  string
	status int
}

type fakeObserver struct {
	mu  sync.Mutex
	got []observation
}

func (o *fakeObserver) ObserveHTTP(route string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, observation{route, status})
}

type harness struct {
	t        *testing.T
	store    *authtest.Store
	clock    *authtest.Clock
	mailer   *authtest.Mailer
	core     *auth.Core
	observer *fakeObserver
	handler  http.Handler
}

func newHarness(t *testing.T, mutate ...func(*auth.Settings, *Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    authtest.NewStore(),
		clock:    authtest.NewClock(epoch),
		mailer:   &authtest.Mailer{},
		observer: &fakeObserver{},
	}

	settings := authtest.Settings()
	opts := Options{
		CookieSecure:   true,
		CookieSameSite: http.SameSiteStrictMode,
		Observer:       h.observer,
		Now:            h.clock.Now,
	}
	for _, m := range mutate {
		m(&settings, &opts)
	}
	opts.SessionTTL = settings.SessionTTL

	core, err := auth.NewCore(h.store, settings, h.mailer, auth.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.core = core

	api, err := New(core, opts)
	require.NoError(t, err)
	h.handler = api.Router()
	return h
}

func (h *harness) do(method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "httpapi-test")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) registerVerified(email, password string) {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/auth/register", credentialsRequest{email, password})
	require.Equal(h.t, http.StatusOK, rec.Code)

	token, ok := h.mailer.LastToken("verify", email)
	require.True(h.t, ok, "verification mail not sent")
	rec = h.do(http.MethodGet, "/auth/verify-email?token="+token, nil)
	require.Equal(h.t, http.StatusOK, rec.Code)
}

func (h *harness) login(email, password string) *http.Cookie {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/auth/login", credentialsRequest{email, password})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	c := sessionCookie(rec)
	require.NotNil(h.t, c, "login did not set a session cookie")
	return c
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	return nil
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, Options{SessionTTL: time.Hour})
	require.Error(t, err)

	h := newHarness(t)
	_, err = New(h.core, Options{})
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	h := newHarness(t)

	first := h.do(http.MethodPost, "/auth/register", credentialsRequest{testEmail, testPassword})
	require.Equal(t, http.StatusOK, first.Code)
	require.Len(t, h.mailer.Sent(), 1)

	t.Run("duplicate answers like a new address", func(t *testing.T) {
		dup := h.do(http.MethodPost, "/auth/register", credentialsRequest{"  ALICE@example.com", testPassword})
		assert.Equal(t, http.StatusOK, dup.Code)
		assert.JSONEq(t, first.Body.String(), dup.Body.String())
		assert.Len(t, h.mailer.Sent(), 1)
	})

	t.Run("invalid input", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/auth/register", credentialsRequest{"not-an-email", "short"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_input", errorCode(t, rec))
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerifyEmail(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/auth/register", credentialsRequest{testEmail, testPassword})
	token, ok := h.mailer.LastToken("verify", testEmail)
	require.True(t, ok)

	rec := h.do(http.MethodGet, "/auth/verify-email?token="+token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, tok := range []string{token, "unknown", ""} {
		rec = h.do(http.MethodGet, "/auth/verify-email?token="+tok, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_link", errorCode(t, rec))
	}
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/auth/register", credentialsRequest{testEmail, testPassword})

	t.Run("unverified email is forbidden", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/auth/login", credentialsRequest{testEmail, testPassword})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Nil(t, sessionCookie(rec))
	})

	token, _ := h.mailer.LastToken("verify", testEmail)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/auth/verify-email?token="+token, nil).Code)

	t.Run("wrong password and unknown email look alike", func(t *testing.T) {
		wrong := h.do(http.MethodPost, "/auth/login", credentialsRequest{testEmail, "wrong password"})
		unknown := h.do(http.MethodPost, "/auth/login", credentialsRequest{"bob@example.com", "wrong password"})
		assert.Equal(t, http.StatusUnauthorized, wrong.Code)
		assert.Equal(t, wrong.Code, unknown.Code)
		assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())
	})

	t.Run("success sets a hardened cookie", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/auth/login", credentialsRequest{testEmail, testPassword})
		require.Equal(t, http.StatusOK, rec.Code)

		c := sessionCookie(rec)
		require.NotNil(t, c)
		assert.NotEmpty(t, c.Value)
		assert.True(t, c.HttpOnly)
		assert.True(t, c.Secure)
		assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
		assert.Equal(t, "/", c.Path)
		assert.Equal(t, int(auth.DefaultSessionTTL/time.Second), c.MaxAge)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.NotContains(t, rec.Body.String(), c.Value)
	})
}

func TestLogin_LockoutReturns429(t *testing.T) {
	h := newHarness(t, func(s *auth.Settings, _ *Options) {
		s.Lockout.Threshold = 3
	})
	h.registerVerified(testEmail, testPassword)

	for i := 0; i < 3; i++ {
		rec := h.do(http.MethodPost, "/auth/login", credentialsRequest{testEmail, "wrong password"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := h.do(http.MethodPost, "/auth/login", credentialsRequest{testEmail, testPassword})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))
	assert.Equal(t, "600", rec.Header().Get("Retry-After"))

	h.clock.Advance(auth.DefaultLockoutPolicy().Window)
	h.login(testEmail, testPassword)
}

func TestLogin_SourceLockoutBehindProxy(t *testing.T) {
	h := newHarness(t, func(s *auth.Settings, o *Options) {
		s.Lockout.SourceThreshold = 3
		o.TrustProxy = true
	})

	var codes []int
	for i := 0; i < 6; i++ {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(credentialsRequest{"nobody@example.com", "wrong password"}))
		req := httptest.NewRequest(http.MethodPost, "/auth/login", &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d, 198.51.100.77", i))
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{401, 401, 401, 429, 429, 429}, codes)
}

func TestLogin_SharedSourceSuccessesNeverLock(t *testing.T) {
	h := newHarness(t, func(s *auth.Settings, _ *Options) {
		s.Lockout.SourceThreshold = 5
	})
	h.registerVerified(testEmail, testPassword)

	for i := 0; i < 8; i++ {
		h.login(testEmail, testPassword)
	}
}

func TestMe(t *testing.T) {
	h := newHarness(t)
	h.registerVerified(testEmail, testPassword)

	rec := h.do(http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", errorCode(t, rec))

	c := h.login(testEmail, testPassword)
	rec = h.do(http.MethodGet, "/me", nil, c)
	require.Equal(t, http.StatusOK, rec.Code)

	var me meResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, testEmail, me.Email)
	assert.True(t, me.EmailVerified)
	assert.True(t, me.SessionExpiresAt.Equal(epoch.Add(auth.DefaultSessionTTL)))

	t.Run("expired session is unauthenticated and cleared", func(t *testing.T) {
		h.clock.Advance(auth.DefaultSessionTTL)
		rec := h.do(http.MethodGet, "/me", nil, c)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		cleared := sessionCookie(rec)
		require.NotNil(t, cleared)
		assert.Equal(t, -1, cleared.MaxAge)
	})

	t.Run("garbage cookie is unauthenticated", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/me", nil, &http.Cookie{Name: DefaultCookieName, Value: "garbage"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestMe_StorageUnavailable(t *testing.T) {
	h := newHarness(t)
	h.registerVerified(testEmail, testPassword)
	c := h.login(testEmail, testPassword)

	h.store.FailNext("sessions.Lookup", 10)
	defer h.store.FailNext("sessions.Lookup", 0)

	rec := h.do(http.MethodGet, "/me", nil, c)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", errorCode(t, rec))
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.registerVerified(testEmail, testPassword)
	c := h.login(testEmail, testPassword)

	rec := h.do(http.MethodPost, "/auth/logout", nil, c)
	assert.Equal(t, http.StatusOK, rec.Code)
	cleared := sessionCookie(rec)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/me", nil, c).Code)

	t.Run("idempotent", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/auth/logout", nil, c).Code)
		assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/auth/logout", nil).Code)
	})
}

func TestLogoutAll(t *testing.T) {
	h := newHarness(t)
	h.registerVerified(testEmail, testPassword)
	first := h.login(testEmail, testPassword)
	second := h.login(testEmail, testPassword)

	rec := h.do(http.MethodPost, "/auth/logout-all", nil, second)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"revoked":2}`, rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/me", nil, first).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/auth/logout-all", nil, first).Code)
}

func TestSessions(t *testing.T) {
	h := newHarness(t)
	h.registerVerified(testEmail, testPassword)
	h.login(testEmail, testPassword)
	h.clock.Advance(time.Second)
	current := h.login(testEmail, testPassword)

	rec := h.do(http.MethodGet, "/me/sessions", nil, current)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]sessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["sessions"], 2)
	assert.True(t, body["sessions"][0].Current, "newest session is the caller's")
	assert.False(t, body["sessions"][1].Current)
	assert.Equal(t, "httpapi-test", body["sessions"][0].UserAgent)
	assert.Equal(t, "192.0.2.1", body["sessions"][0].IPAddress)
	assert.NotContains(t, rec.Body.String(), current.Value)
}

func TestRotate(t *testing.T) {
	h := newHarness(t)
	h.registerVerified(testEmail, testPassword)
	old := h.login(testEmail, testPassword)

	rec := h.do(http.MethodPost, "/auth/rotate", nil, old)
	require.Equal(t, http.StatusOK, rec.Code)
	next := sessionCookie(rec)
	require.NotNil(t, next)
	assert.NotEqual(t, old.Value, next.Value)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/me", nil, old).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/me", nil, next).Code)

	rec = h.do(http.MethodPost, "/auth/rotate", nil, old)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", errorCode(t, rec))
}

func TestPasswordReset(t *testing.T) {
	h := newHarness(t)
	h.registerVerified(testEmail, testPassword)
	session := h.login(testEmail, testPassword)

	unknown := h.do(http.MethodPost, "/auth/request-password-reset", emailRequest{"nobody@example.com"})
	known := h.do(http.MethodPost, "/auth/request-password-reset", emailRequest{testEmail})
	assert.Equal(t, http.StatusOK, unknown.Code)
	assert.Equal(t, http.StatusOK, known.Code)
	assert.JSONEq(t, unknown.Body.String(), known.Body.String())

	token, ok := h.mailer.LastToken("reset", testEmail)
	require.True(t, ok)

	t.Run("weak password leaves token usable", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/auth/reset-password", resetRequest{token, "short"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_input", errorCode(t, rec))
	})

	const newPassword = "a brand new passphrase"
	rec := h.do(http.MethodPost, "/auth/reset-password", resetRequest{token, newPassword})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/me", nil, session).Code, "reset revokes sessions")

	rec = h.do(http.MethodPost, "/auth/reset-password", resetRequest{token, "yet another passphrase"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_link", errorCode(t, rec))

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/auth/login", credentialsRequest{testEmail, testPassword}).Code)
	h.login(testEmail, newPassword)
}

func TestResendVerification(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/auth/register", credentialsRequest{testEmail, testPassword})

	rec := h.do(http.MethodPost, "/auth/resend-verification", emailRequest{testEmail})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.mailer.Sent(), 2)

	rec = h.do(http.MethodPost, "/auth/resend-verification", emailRequest{"nobody@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.mailer.Sent(), 2)
}

func TestSourceThrottle(t *testing.T) {
	h := newHarness(t, func(_ *auth.Settings, o *Options) {
		o.SourceRPS = 1
		o.SourceBurst = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/me", nil).Code)
	}
	rec := h.do(http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	h.clock.Advance(time.Second)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/me", nil).Code)
}

func TestObserver_RecordsRouteTemplates(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodGet, "/me", nil)
	h.do(http.MethodGet, "/auth/verify-email?token=x", nil)

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, []observation{
		{"/me", http.StatusUnauthorized},
		{"/auth/verify-email", http.StatusBadRequest},
	}, h.observer.got)
}

func TestRouting_Fallbacks(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))

	rec = h.do(http.MethodGet, "/auth/login", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFailure_CollapsesKinds(t *testing.T) {
	tests := []struct {
		kind   auth.Kind
		status int
		code   string
	}{
		{auth.KindInvalidInput, http.StatusBadRequest, "invalid_input"},
		{auth.KindInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{auth.KindEmailNotVerified, http.StatusForbidden, "email_not_verified"},
		{auth.KindRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{auth.KindSessionNotFound, http.StatusUnauthorized, "unauthenticated"},
		{auth.KindSessionExpired, http.StatusUnauthorized, "unauthenticated"},
		{auth.KindSessionRevoked, http.StatusUnauthorized, "unauthenticated"},
		{auth.KindTokenNotFound, http.StatusBadRequest, "invalid_link"},
		{auth.KindTokenExpired, http.StatusBadRequest, "invalid_link"},
		{auth.KindTokenAlreadyUsed, http.StatusBadRequest, "invalid_link"},
		{auth.KindStorageUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{auth.KindUnknown, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			status, body := failure(tt.kind)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Error)
		})
	}
}
