// Package store groups the round tables into a unit of work, so that ledger
// resolution and round materialization commit or roll back together.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storacha/rtracker/internal/db/contractversions"
	"github.com/storacha/rtracker/internal/db/pg"
	"github.com/storacha/rtracker/internal/db/rounds"
	"github.com/storacha/rtracker/internal/db/tasks"
)

type Tables struct {
	Versions contractversions.VersionTable
	Rounds   rounds.RoundTable
	Tasks    tasks.TaskTable
}

type Store interface {
	// InTx runs fn in a single transaction. fn may be invoked more than once
	// when the transaction loses a race and is retried.
	InTx(ctx context.Context, fn func(ctx context.Context, t Tables) error) error
	// Tables returns tables that operate outside of any transaction.
	Tables() Tables
}

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, t Tables) error) error {
	return pg.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, postgresTables(tx))
	}, pg.WithRetryOn(contractversions.ErrAddressTaken))
}

func (s *PostgresStore) Tables() Tables {
	return postgresTables(s.pool)
}

func postgresTables(db pg.DBTX) Tables {
	return Tables{
		Versions: contractversions.NewPostgresVersionTable(db),
		Rounds:   rounds.NewPostgresRoundTable(db),
		Tasks:    tasks.NewPostgresTaskTable(db),
	}
}
