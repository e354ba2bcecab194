// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/authcore/internal/auth"
)

// Metrics holds the authcore Prometheus collectors. It implements auth.Recorder.
type Metrics struct {
	LoginAttempts      *prometheus.CounterVec
	SessionValidations *prometheus.CounterVec
	SessionRevocations *prometheus.CounterVec
	TokensIssued       *prometheus.CounterVec
	TokenRedemptions   *prometheus.CounterVec
	Lockouts           *prometheus.CounterVec
	PurgedRecords      *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

var _ auth.Recorder = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_login_attempts_total",
			Help: "Login attempts by result",
		}, []string{"result"}),
		SessionValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_session_validations_total",
			Help: "Session validations by result",
		}, []string{"result"}),
		SessionRevocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_sessions_revoked_total",
			Help: "Sessions revoked by reason",
		}, []string{"reason"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_tokens_issued_total",
			Help: "Single-use tokens issued by purpose",
		}, []string{"purpose"}),
		TokenRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_token_redemptions_total",
			Help: "Single-use token redemptions by purpose and result",
		}, []string{"purpose", "result"}),
		Lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_lockouts_total",
			Help: "Counters that crossed their threshold, by scope",
		}, []string{"scope"}),
		PurgedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_purged_records_total",
			Help: "Expired records removed by the janitor, by kind",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authcore_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.LoginAttempts,
		m.SessionValidations,
		m.SessionRevocations,
		m.TokensIssued,
		m.TokenRedemptions,
		m.Lockouts,
		m.PurgedRecords,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// LoginAttempt implements auth.Recorder.
func (m *Metrics) LoginAttempt(result string) {
	m.LoginAttempts.WithLabelValues(result).Inc()
}

// SessionValidated implements auth.Recorder.
func (m *Metrics) SessionValidated(result string) {
	m.SessionValidations.WithLabelValues(result).Inc()
}

// SessionsRevoked implements auth.Recorder.
func (m *Metrics) SessionsRevoked(reason string, count int) {
	if count > 0 {
		m.SessionRevocations.WithLabelValues(reason).Add(float64(count))
	}
}

// TokenIssued implements auth.Recorder.
func (m *Metrics) TokenIssued(purpose auth.Purpose) {
	m.TokensIssued.WithLabelValues(string(purpose)).Inc()
}

// TokenRedeemed implements auth.Recorder.
func (m *Metrics) TokenRedeemed(purpose auth.Purpose, result string) {
	m.TokenRedemptions.WithLabelValues(string(purpose), result).Inc()
}

// Lockout implements auth.Recorder.
func (m *Metrics) Lockout(scope auth.AttemptScope) {
	m.Lockouts.WithLabelValues(string(scope)).Inc()
}

// Purged records a janitor pass.
func (m *Metrics) Purged(r auth.PurgeResult) {
	m.PurgedRecords.WithLabelValues("sessions").Add(float64(r.Sessions))
	m.PurgedRecords.WithLabelValues("tokens").Add(float64(r.Tokens))
	m.PurgedRecords.WithLabelValues("attempts").Add(float64(r.Attempts))
}

// MeteredPurger wraps p so every successful pass is counted.
func (m *Metrics) MeteredPurger(p auth.Purger) auth.Purger {
	return meteredPurger{next: p, metrics: m}
}

type meteredPurger struct {
	next    auth.Purger
	metrics *Metrics
}

func (p meteredPurger) Purge(ctx context.Context) (auth.PurgeResult, error) {
	res, err := p.next.Purge(ctx)
	if err == nil {
		p.metrics.Purged(res)
	}
	return res, err
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
