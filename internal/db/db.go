// Package db is the PostgreSQL implementation of ledger.Store.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/metrics"
)

//go:embed schema.sql
var schema string

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool       *pgxpool.Pool
	maxRetries int
	log        *zap.Logger
}

// Option configures a DB
type Option func(*DB)

// WithMaxRetries bounds how often a conflicting transaction is re-run
func WithMaxRetries(n int) Option {
	return func(db *DB) { db.maxRetries = n }
}

// WithLogger sets the logger used for retry notices
func WithLogger(log *zap.Logger) Option {
	return func(db *DB) { db.log = log }
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, opts ...Option) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	db := &DB{Pool: pool, maxRetries: 5, log: zap.NewNop()}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the ledger tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a serializable transaction, re-running it when
// PostgreSQL aborts the transaction on a serialization failure or deadlock.
func (db *DB) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(db.maxRetries)), ctx)

	op := func() error {
		err := db.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil || isConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		metrics.TxRetries.Inc()
		db.log.Debug("retrying transaction", zap.Error(err), zap.Duration("wait", wait))
	}

	err := backoff.RetryNotify(op, policy, notify)
	if isConflict(err) {
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	}
	return err
}

// View runs fn in a read-only transaction
func (db *DB) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return db.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (db *DB) run(ctx context.Context, opts pgx.TxOptions, fn func(tx ledger.Tx) error) error {
	ptx, err := db.Pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer ptx.Rollback(ctx)

	if err := fn(&tx{q: ptx, readOnly: opts.AccessMode == pgx.ReadOnly}); err != nil {
		return err
	}
	if err := ptx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}
