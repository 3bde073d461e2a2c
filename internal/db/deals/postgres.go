package deals

import (
	"context"
	"fmt"

	"github.com/storacha/rtracker/internal/db/pg"
)

var _ DealTable = (*PostgresDealTable)(nil)

type PostgresDealTable struct {
	db pg.DBTX
}

func NewPostgresDealTable(db pg.DBTX) *PostgresDealTable {
	return &PostgresDealTable{db}
}

func (p *PostgresDealTable) SampleCandidates(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := p.db.Query(ctx, `
		SELECT content_id, provider_id, participant_id
		FROM eligible_deals
		WHERE expires_at > NOW()
		ORDER BY random()
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sampling eligible deals: %w", err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0, limit)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ContentID, &c.ProviderID, &c.ParticipantID); err != nil {
			return nil, fmt.Errorf("scanning eligible deal: %w", err)
		}
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

func (p *PostgresDealTable) Upsert(ctx context.Context, d Deal) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO eligible_deals (content_id, provider_id, participant_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (content_id, provider_id, participant_id)
		DO UPDATE SET expires_at = GREATEST(eligible_deals.expires_at, EXCLUDED.expires_at)
	`, d.ContentID, d.ProviderID, d.ParticipantID, d.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting eligible deal: %w", err)
	}
	return nil
}
