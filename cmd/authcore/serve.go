// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/auth/postgres"
	"github.com/holomush/authcore/internal/config"
	"github.com/holomush/authcore/internal/httpapi"
	"github.com/holomush/authcore/internal/mail"
	"github.com/holomush/authcore/internal/observability"
	"github.com/holomush/authcore/internal/store"
	"github.com/holomush/authcore/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand. A nil deps uses the defaults.
func NewServeCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, metrics server and janitor",
		Long: `Serve the auth HTTP API. The observability server exposes /metrics
and health probes, and a janitor purges expired sessions, tokens and
attempt counters in the background.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, deps.withDefaults())
		},
	}

	cmd.Flags().String("http-addr", ":8080", "HTTP API listen address")
	cmd.Flags().String("base-url", "http://localhost:8080", "public base URL used in emailed links")
	cmd.Flags().String("metrics-addr", ":9100", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().Bool("auto-migrate", false, "apply pending migrations before serving")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, deps *Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	databaseURL, err := requireDatabaseURL(cfg)
	if err != nil {
		return err
	}

	logger.Info("starting authcore",
		"http_addr", cfg.HTTP.Addr,
		"metrics_addr", cfg.Metrics.Addr,
		"database", cfg.RedactedDatabaseURL())

	if cfg.Storage.AutoMigrate {
		if err := autoMigrate(deps, databaseURL, logger); err != nil {
			return err
		}
	}

	poolCfg := store.DefaultPoolConfig()
	poolCfg.MaxConns = cfg.Storage.MaxConns
	pool, err := deps.ConnectPool(ctx, databaseURL, poolCfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	obs := observability.NewServer(cfg.Metrics.Addr, pool.Ping, logger)
	metrics := obs.Metrics()

	sender, closer, err := deps.MailSender(cfg.Mail)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Warn("failed to close mail outbox", "error", closeErr)
		}
	}()
	mailer, err := mail.NewMailer(cfg.Mail.From, sender, logger)
	if err != nil {
		return err
	}

	core, err := auth.NewCore(
		postgres.NewStore(pool, postgres.WithQueryTimeout(cfg.Storage.Timeout)),
		cfg.Settings(),
		mailer,
		auth.WithLogger(logger),
		auth.WithRecorder(metrics),
	)
	if err != nil {
		return oops.With("operation", "wire auth core").Wrap(err)
	}

	api, err := httpapi.New(core, apiOptions(cfg, metrics, logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", cfg.HTTP.Addr).Wrap(err)
	}
	httpSrv := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	httpErrCh := make(chan error, 1)
	go func() {
		defer close(httpErrCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			httpErrCh <- serveErr
		}
	}()
	go monitorServerErrors(ctx, cancel, httpErrCh, "http", logger)

	metricsAddr := ""
	if cfg.Metrics.Addr != "" {
		obsErrCh, err := obs.Start()
		if err != nil {
			shutdownHTTP(httpSrv, logger)
			return oops.With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
		metricsAddr = obs.Addr()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		auth.NewJanitor(metrics.MeteredPurger(core), cfg.Janitor.Interval, logger).Run(ctx)
	}()

	logger.Info("authcore ready", "http_addr", listener.Addr().String())
	cmd.Println("authcore started")
	deps.OnReady(listener.Addr().String(), metricsAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownHTTP(httpSrv, logger)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := obs.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping observability server", "error", err)
	}
	wg.Wait()

	logger.Info("shutdown complete")
	return nil
}

func apiOptions(cfg config.Config, metrics *observability.Metrics, logger *slog.Logger) httpapi.Options {
	return httpapi.Options{
		CookieName:     cfg.Session.CookieName,
		CookieSecure:   cfg.Session.Secure,
		CookieSameSite: cfg.CookieSameSite(),
		SessionTTL:     cfg.Session.TTL,
		SourceRPS:      cfg.HTTP.SourceRPS,
		SourceBurst:    cfg.HTTP.SourceBurst,
		TrustProxy:     cfg.HTTP.TrustProxy,
		Observer:       metrics,
		Logger:         logger,
	}
}

func autoMigrate(deps *Deps, databaseURL string, logger *slog.Logger) error {
	migrator, err := deps.MigratorFactory(databaseURL, logger)
	if err != nil {
		return oops.Code("AUTO_MIGRATE_FAILED").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			errutil.LogErrorContext(context.Background(), logger, slog.LevelWarn, "failed to close migrator", closeErr)
		}
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("AUTO_MIGRATE_FAILED").Wrap(err)
	}
	return nil
}

func shutdownHTTP(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("error stopping HTTP server", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports a serve error.
// It exits when an error arrives, the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
