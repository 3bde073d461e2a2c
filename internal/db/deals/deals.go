package deals

import (
	"context"
	"time"
)

// Candidate is one participant eligible to retrieve a piece of content from a
// provider.
type Candidate struct {
	ContentID     string
	ProviderID    string
	ParticipantID string
}

type Deal struct {
	Candidate
	ExpiresAt time.Time
}

type DealTable interface {
	// SampleCandidates returns up to limit random candidates from unexpired deals.
	SampleCandidates(ctx context.Context, limit int) ([]Candidate, error)
	Upsert(ctx context.Context, deal Deal) error
}
