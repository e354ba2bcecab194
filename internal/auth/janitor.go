// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"log/slog"
	"time"
)

// Purger removes expired auth state.
type Purger interface {
	Purge(ctx context.Context) (PurgeResult, error)
}

// Janitor runs a Purger on a fixed interval until its context is cancelled.
type Janitor struct {
	purger   Purger
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a Janitor. A nil logger uses slog.Default().
func NewJanitor(purger Purger, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{purger: purger, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A non-positive interval disables purging.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge pass and logs its result.
func (j *Janitor) RunOnce(ctx context.Context) {
	res, err := j.purger.Purge(ctx)
	if err != nil {
		j.logger.WarnContext(ctx, "auth purge failed", "error", err)
		return
	}
	if res.Sessions+res.Tokens+res.Attempts > 0 {
		j.logger.InfoContext(ctx, "auth purge completed",
			"sessions", res.Sessions,
			"tokens", res.Tokens,
			"attempts", res.Attempts)
	}
}
