// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"net/http"
	"time"

	"github.com/holomush/authcore/internal/auth"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type sessionResponse struct {
	IdentityID string    `json:"identity_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type meResponse struct {
	IdentityID       string    `json:"identity_id"`
	Email            string    `json:"email"`
	EmailVerified    bool      `json:"email_verified"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

type sessionInfo struct {
	ID        string    `json:"id"`
	UserAgent string    `json:"user_agent,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

const (
	registeredMessage = "if the address can be registered, a verification email has been sent"
	resetMessage      = "if the address is registered, a reset email has been sent"
)

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := a.core.Accounts.Register(r.Context(), req.Email, req.Password); err != nil {
		// An existing address answers exactly like a new one.
		if !auth.IsKind(err, auth.KindEmailTaken) {
			a.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok", Message: registeredMessage})
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if _, err := a.core.Accounts.VerifyEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "verified"})
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.core.Accounts.ResendVerification(r.Context(), req.Email); err != nil {
		a.logger.ErrorContext(r.Context(), "resend verification failed", "error", err)
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok", Message: registeredMessage})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	session, token, err := a.core.Sessions.Login(r.Context(), req.Email, req.Password, sourceMeta(r, a.opts.TrustProxy))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.setSessionCookie(w, token, session.ExpiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{
		IdentityID: session.IdentityID.String(),
		ExpiresAt:  session.ExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.core.Sessions.Revoke(r.Context(), a.sessionToken(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, statusBody{Status: "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	n, err := a.core.Sessions.RevokeAll(r.Context(), p.IdentityID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

func (a *API) handleRotate(w http.ResponseWriter, r *http.Request) {
	session, token, err := a.core.Sessions.Rotate(r.Context(), a.sessionToken(r))
	if err != nil {
		if auth.KindOf(err).IsSession() {
			a.clearSessionCookie(w)
		}
		a.writeError(w, r, err)
		return
	}
	a.setSessionCookie(w, token, session.ExpiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{
		IdentityID: session.IdentityID.String(),
		ExpiresAt:  session.ExpiresAt,
	})
}

func (a *API) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.core.Accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.logger.ErrorContext(r.Context(), "password reset request failed", "error", err)
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok", Message: resetMessage})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := a.core.Accounts.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, statusBody{Status: "password_reset"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		IdentityID:       p.IdentityID.String(),
		Email:            p.Email,
		EmailVerified:    p.EmailVerified,
		SessionExpiresAt: p.ExpiresAt,
	})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	sessions, err := a.core.Sessions.ListActive(r.Context(), p.IdentityID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo{
			ID:        s.ID.String(),
			UserAgent: s.UserAgent,
			IPAddress: s.IPAddress,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			Current:   s.ID == p.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]sessionInfo{"sessions": out})
}
