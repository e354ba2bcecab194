// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package mail composes account emails and hands them to a Sender.
package mail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth"
)

// Message is a composed plain-text email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Sender delivers composed messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders account emails and delivers them through a Sender.
type Mailer struct {
	from   string
	sender Sender
	logger *slog.Logger
}

var _ auth.Mailer = (*Mailer)(nil)

// NewMailer creates a Mailer. A nil logger uses slog.Default().
func NewMailer(from string, sender Sender, logger *slog.Logger) (*Mailer, error) {
	if sender == nil {
		return nil, oops.Code("MAIL_INVALID_CONFIG").Errorf("sender is required")
	}
	if from == "" {
		return nil, oops.Code("MAIL_INVALID_CONFIG").Errorf("from address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{from: from, sender: sender, logger: logger}, nil
}

// SendVerificationEmail implements auth.Mailer.
func (m *Mailer) SendVerificationEmail(ctx context.Context, to, link string) error {
	return m.send(ctx, "verify-email", Message{
		From:    m.from,
		To:      to,
		Subject: "Verify your email address",
		Body:    "Please verify your email address by opening this link:\n\n" + link + "\n",
	})
}

// SendPasswordResetEmail implements auth.Mailer.
func (m *Mailer) SendPasswordResetEmail(ctx context.Context, to, link string) error {
	return m.send(ctx, "reset-password", Message{
		From:    m.from,
		To:      to,
		Subject: "Reset your password",
		Body: "A password reset was requested for your account. Open this link to choose a new password:\n\n" +
			link + "\n\nIf you did not request this, you can ignore this message.\n",
	})
}

// send never logs the body: it carries the single-use link.
func (m *Mailer) send(ctx context.Context, kind string, msg Message) error {
	if err := m.sender.Send(ctx, msg); err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("kind", kind).Wrap(err)
	}
	m.logger.DebugContext(ctx, "email sent", "kind", kind, "domain", domainOf(msg.To))
	return nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// Outbox writes messages to w in an RFC 5322-like layout. It is meant for
// development where no mail relay exists.
type Outbox struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

var _ Sender = (*Outbox)(nil)

// NewOutbox creates an Outbox writing to w.
func NewOutbox(w io.Writer) *Outbox {
	return &Outbox{w: w, now: time.Now}
}

// Send implements Sender.
func (o *Outbox) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return oops.With("to", msg.To).Wrap(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	_, err := fmt.Fprintf(o.w, "From: %s\r\nTo: %s\r\nDate: %s\r\nSubject: %s\r\n\r\n%s\r\n.\r\n",
		msg.From, msg.To, o.now().UTC().Format(time.RFC1123Z), msg.Subject, msg.Body)
	if err != nil {
		return oops.With("operation", "write outbox").Wrap(err)
	}
	return nil
}
