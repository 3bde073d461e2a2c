package contractversions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/storacha/rtracker/internal/db/pg"
)

var _ VersionTable = (*PostgresVersionTable)(nil)

// ledgerLockKey identifies the advisory lock guarding contract_versions.
const ledgerLockKey = 0x72747261636b6572

type PostgresVersionTable struct {
	db pg.DBTX
}

func NewPostgresVersionTable(db pg.DBTX) *PostgresVersionTable {
	return &PostgresVersionTable{db}
}

func (p *PostgresVersionTable) Lock(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(ledgerLockKey)); err != nil {
		return fmt.Errorf("locking contract versions: %w", err)
	}
	return nil
}

func (p *PostgresVersionTable) Current(ctx context.Context) (Version, bool, error) {
	row := p.db.QueryRow(ctx, `
		SELECT contract_address, round_offset, first_internal_round, last_internal_round
		FROM contract_versions
		ORDER BY last_internal_round DESC
		LIMIT 1
		FOR UPDATE
	`)
	return scanVersion(row)
}

func (p *PostgresVersionTable) Get(ctx context.Context, contractAddress string) (Version, bool, error) {
	row := p.db.QueryRow(ctx, `
		SELECT contract_address, round_offset, first_internal_round, last_internal_round
		FROM contract_versions
		WHERE contract_address = $1
	`, contractAddress)
	return scanVersion(row)
}

func (p *PostgresVersionTable) Insert(ctx context.Context, v Version) error {
	tag, err := p.db.Exec(ctx, `
		INSERT INTO contract_versions (contract_address, round_offset, first_internal_round, last_internal_round)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contract_address) DO NOTHING
	`, v.ContractAddress, v.RoundOffset, int64(v.FirstInternalRound), int64(v.LastInternalRound))
	if err != nil {
		return fmt.Errorf("inserting contract version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAddressTaken
	}
	return nil
}

func (p *PostgresVersionTable) Advance(ctx context.Context, contractAddress string, lastInternalRound uint64) error {
	_, err := p.db.Exec(ctx, `
		UPDATE contract_versions
		SET last_internal_round = GREATEST(last_internal_round, $2)
		WHERE contract_address = $1
	`, contractAddress, int64(lastInternalRound))
	if err != nil {
		return fmt.Errorf("advancing contract version: %w", err)
	}
	return nil
}

func scanVersion(row pgx.Row) (Version, bool, error) {
	var (
		v           Version
		first, last int64
	)
	err := row.Scan(&v.ContractAddress, &v.RoundOffset, &first, &last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, false, nil
		}
		return Version{}, false, fmt.Errorf("reading contract version: %w", err)
	}
	v.FirstInternalRound = uint64(first)
	v.LastInternalRound = uint64(last)
	return v, true, nil
}
