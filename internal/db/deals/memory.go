package deals

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

var _ DealTable = (*MemoryDealTable)(nil)

type MemoryDealTable struct {
	mu    sync.Mutex
	deals map[Candidate]time.Time
}

func NewMemoryDealTable() *MemoryDealTable {
	return &MemoryDealTable{deals: make(map[Candidate]time.Time)}
}

func (m *MemoryDealTable) SampleCandidates(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var live []Candidate
	for c, expiresAt := range m.deals {
		if expiresAt.After(now) {
			live = append(live, c)
		}
	}

	rand.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	if len(live) > limit {
		live = live[:limit]
	}
	return live, nil
}

func (m *MemoryDealTable) Upsert(ctx context.Context, d Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ExpiresAt.After(m.deals[d.Candidate]) {
		m.deals[d.Candidate] = d.ExpiresAt
	}
	return nil
}
