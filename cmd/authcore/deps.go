// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth/postgres"
	"github.com/holomush/authcore/internal/config"
	"github.com/holomush/authcore/internal/mail"
	"github.com/holomush/authcore/internal/store"
)

// Pool is the database handle serve needs: repository access, a readiness
// ping and shutdown.
type Pool interface {
	postgres.Pool
	Ping(ctx context.Context) error
	Close()
}

// Migrator is the subset of store.Migrator driven by the CLI.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Status() (store.Status, error)
	Close() error
}

// Deps contains injectable dependencies for the serve and migrate commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// ConnectPool opens the database pool.
	// Default: store.Connect
	ConnectPool func(ctx context.Context, dsn string, cfg store.PoolConfig, logger *slog.Logger) (Pool, error)

	// MigratorFactory opens a migrator for a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string, logger *slog.Logger) (Migrator, error)

	// MailSender builds the outgoing mail transport.
	// Default: an outbox writing to mail.outbox or stderr
	MailSender func(cfg config.MailConfig) (mail.Sender, io.Closer, error)

	// OnReady is called with the bound HTTP and metrics addresses once
	// serve accepts requests. The metrics address is empty when disabled.
	OnReady func(httpAddr, metricsAddr string)
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.ConnectPool == nil {
		out.ConnectPool = func(ctx context.Context, dsn string, cfg store.PoolConfig, logger *slog.Logger) (Pool, error) {
			return store.Connect(ctx, dsn, cfg, logger)
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string, logger *slog.Logger) (Migrator, error) {
			return store.NewMigrator(databaseURL, logger)
		}
	}
	if out.MailSender == nil {
		out.MailSender = outboxSender
	}
	if out.OnReady == nil {
		out.OnReady = func(string, string) {}
	}
	return &out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// outboxSender writes messages to cfg.Outbox, appending, or to stderr.
func outboxSender(cfg config.MailConfig) (mail.Sender, io.Closer, error) {
	if cfg.Outbox == "" {
		return mail.NewOutbox(os.Stderr), nopCloser{}, nil
	}
	f, err := os.OpenFile(cfg.Outbox, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, oops.Code("MAIL_OUTBOX_OPEN_FAILED").With("path", cfg.Outbox).Wrap(err)
	}
	return mail.NewOutbox(f), f, nil
}

func requireDatabaseURL(cfg config.Config) (string, error) {
	if cfg.Storage.DatabaseURL == "" {
		return "", oops.Code("CONFIG_INVALID").
			With("field", "storage.database_url").
			Errorf("database URL is required (--database-url or %sSTORAGE__DATABASE_URL)", config.EnvPrefix)
	}
	return cfg.Storage.DatabaseURL, nil
}
