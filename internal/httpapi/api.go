// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package httpapi exposes the auth core over HTTP with cookie sessions.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth"
)

// Observer receives one call per routed request.
type Observer interface {
	ObserveHTTP(route string, status int, elapsed time.Duration)
}

// Options configures the HTTP surface.
type Options struct {
	CookieName     string
	CookieSecure   bool
	CookieSameSite http.SameSite
	SessionTTL     time.Duration

	// SourceRPS and SourceBurst bound requests per client address.
	// A zero SourceRPS disables the throttle.
	SourceRPS   float64
	SourceBurst int
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool

	Observer Observer
	Logger   *slog.Logger
	// Now overrides the throttle clock. Intended for tests.
	Now func() time.Time
}

// DefaultCookieName is the session cookie name.
const DefaultCookieName = "session_id"

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// API holds the handlers and their dependencies.
type API struct {
	core     *auth.Core
	opts     Options
	logger   *slog.Logger
	throttle *sourceThrottle
}

// New creates an API over core.
func New(core *auth.Core, opts Options) (*API, error) {
	if core == nil {
		return nil, oops.Code("HTTPAPI_INVALID_CONFIG").Errorf("auth core is required")
	}
	if opts.SessionTTL <= 0 {
		return nil, oops.Code("HTTPAPI_INVALID_CONFIG").With("session_ttl", opts.SessionTTL).Errorf("session ttl must be positive")
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.CookieSameSite == 0 {
		opts.CookieSameSite = http.SameSiteLaxMode
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &API{core: core, opts: opts, logger: logger}
	if opts.SourceRPS > 0 {
		a.throttle = newSourceThrottle(opts.SourceRPS, opts.SourceBurst, opts.Now)
	}
	return a, nil
}

// Router returns the routed handler.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "method not allowed"})
	})
	r.Use(a.observe, a.limitSource, a.bindPrincipal)

	r.HandleFunc("/auth/register", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/verify-email", a.handleVerifyEmail).Methods(http.MethodGet)
	r.HandleFunc("/auth/resend-verification", a.handleResendVerification).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout-all", a.requireAuth(a.handleLogoutAll)).Methods(http.MethodPost)
	r.HandleFunc("/auth/rotate", a.handleRotate).Methods(http.MethodPost)
	r.HandleFunc("/auth/request-password-reset", a.handleRequestPasswordReset).Methods(http.MethodPost)
	r.HandleFunc("/auth/reset-password", a.handleResetPassword).Methods(http.MethodPost)
	r.HandleFunc("/me", a.requireAuth(a.handleMe)).Methods(http.MethodGet)
	r.HandleFunc("/me/sessions", a.requireAuth(a.handleSessions)).Methods(http.MethodGet)

	return r
}
