// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/pkg/errutil"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type statusBody struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// failure is the external shape of an error kind. Session and token kinds
// collapse to one response each so callers cannot tell them apart.
func failure(k auth.Kind) (int, errorBody) {
	switch {
	case k == auth.KindInvalidInput:
		return http.StatusBadRequest, errorBody{"invalid_input", "invalid input"}
	case k == auth.KindInvalidCredentials:
		return http.StatusUnauthorized, errorBody{"invalid_credentials", "invalid email or password"}
	case k == auth.KindEmailNotVerified:
		return http.StatusForbidden, errorBody{"email_not_verified", "email address not verified"}
	case k == auth.KindRateLimited:
		return http.StatusTooManyRequests, errorBody{"rate_limited", "too many attempts, try again later"}
	case k.IsSession():
		return http.StatusUnauthorized, errorBody{"unauthenticated", "unauthenticated"}
	case k.IsToken():
		return http.StatusBadRequest, errorBody{"invalid_link", "invalid or expired link"}
	case k == auth.KindStorageUnavailable:
		return http.StatusServiceUnavailable, errorBody{"unavailable", "service temporarily unavailable"}
	default:
		return http.StatusInternalServerError, errorBody{"internal", "internal error"}
	}
}

// writeError maps err to a response. Server-side failures are logged with
// their oops context; client failures only at debug.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	k := auth.KindOf(err)
	status, body := failure(k)

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	errutil.LogErrorContext(r.Context(), a.logger, level, "request failed", err)

	if k == auth.KindRateLimited {
		window := a.core.Limiter.Policy().Window
		w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. Any failure is an invalid-input error.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"invalid_input", "malformed request body"})
		return false
	}
	return true
}
