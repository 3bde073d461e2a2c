package rounds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/storacha/rtracker/internal/db/pg"
)

var _ RoundTable = (*PostgresRoundTable)(nil)

type PostgresRoundTable struct {
	db pg.DBTX
}

func NewPostgresRoundTable(db pg.DBTX) *PostgresRoundTable {
	return &PostgresRoundTable{db}
}

const selectRound = `
	SELECT id, created_at, contract_address, contract_round_index, start_epoch,
	       max_tasks_per_participant, measurement_count
	FROM rounds
`

func (p *PostgresRoundTable) Insert(ctx context.Context, r Round) (bool, error) {
	var startEpoch *int64
	if r.StartEpoch != nil {
		e := int64(*r.StartEpoch)
		startEpoch = &e
	}

	tag, err := p.db.Exec(ctx, `
		INSERT INTO rounds (id, created_at, contract_address, contract_round_index, start_epoch, max_tasks_per_participant)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, int64(r.ID), r.CreatedAt, r.ContractAddress, int64(r.ContractRoundIndex), startEpoch, int64(r.MaxTasksPerParticipant))
	if err != nil {
		return false, fmt.Errorf("inserting round %d: %w", r.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresRoundTable) Get(ctx context.Context, id uint64) (Round, error) {
	return scanRound(p.db.QueryRow(ctx, selectRound+`WHERE id = $1`, int64(id)))
}

func (p *PostgresRoundTable) Latest(ctx context.Context) (Round, error) {
	return scanRound(p.db.QueryRow(ctx, selectRound+`ORDER BY id DESC LIMIT 1`))
}

func (p *PostgresRoundTable) SetStartEpoch(ctx context.Context, id uint64, epoch uint64) error {
	_, err := p.db.Exec(ctx, `
		UPDATE rounds SET start_epoch = $2 WHERE id = $1 AND start_epoch IS NULL
	`, int64(id), int64(epoch))
	if err != nil {
		return fmt.Errorf("setting start epoch of round %d: %w", id, err)
	}
	return nil
}

func (p *PostgresRoundTable) AddMeasurements(ctx context.Context, id uint64, count uint64) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE rounds SET measurement_count = measurement_count + $2 WHERE id = $1
	`, int64(id), int64(count))
	if err != nil {
		return fmt.Errorf("adding measurements to round %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRound(row pgx.Row) (Round, error) {
	var (
		r                                 Round
		id, index, maxTasks, measurements int64
		startEpoch                        *int64
	)
	err := row.Scan(&id, &r.CreatedAt, &r.ContractAddress, &index, &startEpoch, &maxTasks, &measurements)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Round{}, ErrNotFound
		}
		return Round{}, fmt.Errorf("reading round: %w", err)
	}

	r.ID = uint64(id)
	r.ContractRoundIndex = uint64(index)
	r.MaxTasksPerParticipant = uint64(maxTasks)
	r.MeasurementCount = uint64(measurements)
	if startEpoch != nil {
		e := uint64(*startEpoch)
		r.StartEpoch = &e
	}
	return r, nil
}
