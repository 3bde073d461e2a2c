package tasks

import "context"

// Task is one (content, provider) pair sampled in a round together with the
// participants known to hold the deal.
type Task struct {
	RoundID      uint64
	ContentID    string
	ProviderID   string
	Participants []string
}

type TaskTable interface {
	// InsertBatch stores the task set of a round. It is only called once per
	// round, by the writer that created the round.
	InsertBatch(ctx context.Context, roundID uint64, tasks []Task) error
	ListByRound(ctx context.Context, roundID uint64) ([]Task, error)
}
