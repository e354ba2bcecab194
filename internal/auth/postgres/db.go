// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements auth.Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth"
)

// DefaultQueryTimeout bounds every storage call whose context has no deadline.
const DefaultQueryTimeout = 5 * time.Second

// Pool is the subset of *pgxpool.Pool used by the store.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is satisfied by both the pool and a running transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txKey is the context key for the active transaction.
type txKey struct{}

// db carries the pool and the per-call timeout shared by every repository.
type db struct {
	pool    Pool
	timeout time.Duration
}

// q returns the transaction bound to ctx, or the pool.
func (d *db) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return d.pool
}

// bound applies the query timeout unless ctx already has a deadline.
func (d *db) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

// InTransaction executes fn within a database transaction. Calls made
// with the context passed to fn share the transaction. A nested call
// joins the outer transaction instead of opening a new one.
func (d *db) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	ctx, cancel := d.bound(ctx)
	defer cancel()

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return storageError(err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storageError(err, "commit transaction")
	}
	return nil
}

// unavailable reports whether err means the database could not serve the
// request, as opposed to rejecting it.
func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected:
			return true
		}
	}
	return false
}

// storageError attaches STORAGE_UNAVAILABLE to transient failures and a
// generic code to everything else.
func storageError(err error, op string) error {
	if unavailable(err) {
		return oops.Code(auth.KindStorageUnavailable.Code()).With("operation", op).Wrap(err)
	}
	return oops.Code("STORAGE_QUERY_FAILED").With("operation", op).Wrap(err)
}

func notFound(op string) error {
	return oops.With("operation", op).Wrap(auth.ErrNotFound)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgerrcode.UniqueViolation &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}

// parseID decodes a ULID column.
func parseID(raw, field string) (ulid.ULID, error) {
	id, err := ulid.Parse(raw)
	if err != nil {
		return ulid.ULID{}, oops.Code("STORAGE_DECODE_FAILED").With(field, raw).Wrap(err)
	}
	return id, nil
}
