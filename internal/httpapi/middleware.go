// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/holomush/authcore/internal/auth"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// observe reports route template, status and latency to the Observer.
func (a *API) observe(next http.Handler) http.Handler {
	if a.opts.Observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		a.opts.Observer.ObserveHTTP(route, rec.status, time.Since(start))
	})
}

// limitSource sheds floods from one client address before any storage work.
func (a *API) limitSource(next http.Handler) http.Handler {
	if a.throttle == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.throttle.allow(clientIP(r, a.opts.TrustProxy)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{"rate_limited", "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bindPrincipal resolves the session cookie and stores the principal on the
// request context. Invalid sessions bind Anonymous.
func (a *API) bindPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.sessionToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, err := a.core.Binder.Resolve(r.Context(), token)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (a *API) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth.PrincipalFromContext(r.Context()).IsAnonymous() {
			if a.sessionToken(r) != "" {
				a.clearSessionCookie(w)
			}
			writeJSON(w, http.StatusUnauthorized, errorBody{"unauthenticated", "unauthenticated"})
			return
		}
		h(w, r)
	}
}

// clientIP returns the request's source address without port. With
// trustProxy the right-most X-Forwarded-For entry wins: it was appended by
// the trusted proxy, while entries to its left are client supplied.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := strings.Join(r.Header.Values("X-Forwarded-For"), ","); fwd != "" {
			last := fwd[strings.LastIndex(fwd, ",")+1:]
			if ip := net.ParseIP(strings.TrimSpace(last)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func sourceMeta(r *http.Request, trustProxy bool) auth.SourceMeta {
	return auth.SourceMeta{
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r, trustProxy),
	}
}
