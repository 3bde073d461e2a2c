package subnets

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/storacha/rtracker/internal/db/pg"
)

var _ SubnetTable = (*PostgresSubnetTable)(nil)

type PostgresSubnetTable struct {
	db pg.DBTX
}

func NewPostgresSubnetTable(db pg.DBTX) *PostgresSubnetTable {
	return &PostgresSubnetTable{db}
}

func (p *PostgresSubnetTable) Get(ctx context.Context, subnet string) (string, bool, error) {
	var groupID string
	err := p.db.QueryRow(ctx, `SELECT group_id FROM subnet_groups WHERE subnet = $1`, subnet).Scan(&groupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("getting subnet group: %w", err)
	}
	return groupID, true, nil
}

func (p *PostgresSubnetTable) Insert(ctx context.Context, subnet string, groupID string) (string, error) {
	// The no-op update makes RETURNING yield the committed group ID when
	// another writer assigned the subnet first.
	var committed string
	err := p.db.QueryRow(ctx, `
		INSERT INTO subnet_groups (group_id, subnet)
		VALUES ($1, $2)
		ON CONFLICT (subnet) DO UPDATE SET subnet = EXCLUDED.subnet
		RETURNING group_id
	`, groupID, subnet).Scan(&committed)
	if err != nil {
		if pg.IsUniqueViolation(err, "subnet_groups_pkey") {
			return "", ErrGroupIDTaken
		}
		return "", fmt.Errorf("inserting subnet group: %w", err)
	}
	return committed, nil
}
