package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultMaxTxAttempts = 5

type txConfig struct {
	retryOn     []error
	maxAttempts uint64
	isoLevel    pgx.TxIsoLevel
}

type TxOption func(*txConfig)

// WithRetryOn marks additional errors (matched with errors.Is) as conflicts
// that are resolved by re-running the whole transaction.
func WithRetryOn(errs ...error) TxOption {
	return func(c *txConfig) {
		c.retryOn = append(c.retryOn, errs...)
	}
}

func WithMaxAttempts(n uint64) TxOption {
	return func(c *txConfig) {
		c.maxAttempts = n
	}
}

func WithIsoLevel(level pgx.TxIsoLevel) TxOption {
	return func(c *txConfig) {
		c.isoLevel = level
	}
}

// WithTx runs fn in a transaction. The transaction is committed when fn returns
// nil and rolled back otherwise. Serialization failures, deadlocks and errors
// registered with WithRetryOn cause fn to be re-run on a fresh transaction with
// exponential backoff.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error, opts ...TxOption) error {
	cfg := &txConfig{maxAttempts: defaultMaxTxAttempts, isoLevel: pgx.ReadCommitted}
	for _, opt := range opts {
		opt(cfg)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := runTx(ctx, pool, cfg.isoLevel, fn)
		if err == nil {
			return nil
		}
		if cfg.retryable(err) {
			log.Warnf("Transaction attempt %d failed, retrying: %v", attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second

	var bo backoff.BackOff = backoff.WithMaxRetries(b, cfg.maxAttempts-1)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *txConfig) retryable(err error) bool {
	if IsSerializationFailure(err) {
		return true
	}
	for _, target := range c.retryOn {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func runTx(ctx context.Context, pool *pgxpool.Pool, isoLevel pgx.TxIsoLevel, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
