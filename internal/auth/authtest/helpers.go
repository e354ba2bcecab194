// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package authtest

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/holomush/authcore/internal/auth"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Mail is one captured message.
type Mail struct {
	Kind  string // "verify" or "reset"
	To    string
	Link  string
	Token string
}

// Mailer captures sent mail in memory.
type Mailer struct {
	mu   sync.Mutex
	sent []Mail
	Err  error
}

var _ auth.Mailer = (*Mailer)(nil)

// SendVerificationEmail implements auth.Mailer.
func (m *Mailer) SendVerificationEmail(_ context.Context, to, link string) error {
	return m.record("verify", to, link)
}

// SendPasswordResetEmail implements auth.Mailer.
func (m *Mailer) SendPasswordResetEmail(_ context.Context, to, link string) error {
	return m.record("reset", to, link)
}

func (m *Mailer) record(kind, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	var token string
	if u, err := url.Parse(link); err == nil {
		token = u.Query().Get("token")
	}
	m.sent = append(m.sent, Mail{Kind: kind, To: to, Link: link, Token: token})
	return nil
}

// Sent returns a copy of all captured mail.
func (m *Mailer) Sent() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mail(nil), m.sent...)
}

// LastToken returns the token of the most recent mail of kind sent to to.
func (m *Mailer) LastToken(kind, to string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Kind == kind && m.sent[i].To == to {
			return m.sent[i].Token, true
		}
	}
	return "", false
}

// FastHashParams returns argon2id parameters cheap enough for unit tests.
func FastHashParams() auth.HashParams {
	p := auth.DefaultHashParams()
	p.Memory = 1024
	p.Parallelism = 1
	return p
}

// Settings returns auth.Settings tuned for tests.
func Settings() auth.Settings {
	s := auth.DefaultSettings()
	s.Hash = FastHashParams()
	s.Account.BaseURL = "https://auth.test"
	return s
}
