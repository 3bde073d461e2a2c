package tasks

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/storacha/rtracker/internal/db/pg"
)

var _ TaskTable = (*PostgresTaskTable)(nil)

type PostgresTaskTable struct {
	db pg.DBTX
}

func NewPostgresTaskTable(db pg.DBTX) *PostgresTaskTable {
	return &PostgresTaskTable{db}
}

var taskColumns = []string{"round_id", "content_id", "provider_id", "participants"}

func (p *PostgresTaskTable) InsertBatch(ctx context.Context, roundID uint64, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	n, err := p.db.CopyFrom(ctx, pgx.Identifier{"round_tasks"}, taskColumns, pgx.CopyFromSlice(len(tasks), func(i int) ([]any, error) {
		t := tasks[i]
		return []any{int64(roundID), t.ContentID, t.ProviderID, t.Participants}, nil
	}))
	if err != nil {
		return fmt.Errorf("copying tasks of round %d: %w", roundID, err)
	}
	if int(n) != len(tasks) {
		return fmt.Errorf("copying tasks of round %d: stored %d of %d rows", roundID, n, len(tasks))
	}
	return nil
}

func (p *PostgresTaskTable) ListByRound(ctx context.Context, roundID uint64) ([]Task, error) {
	rows, err := p.db.Query(ctx, `
		SELECT content_id, provider_id, participants
		FROM round_tasks
		WHERE round_id = $1
		ORDER BY content_id, provider_id
	`, int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("querying tasks of round %d: %w", roundID, err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t := Task{RoundID: roundID}
		if err := rows.Scan(&t.ContentID, &t.ProviderID, &t.Participants); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}
