package tracker

import "context"

// RoundStart is a round start notification from the round source. BlockNumber
// is the chain epoch the round started at, or 0 when the source does not know
// it.
type RoundStart struct {
	RoundIndex  uint64
	BlockNumber uint64
}

// Subscription is a live notification feed. Err delivers a value when the feed
// fails and is closed by Unsubscribe.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Source is the external authority that advances rounds.
type Source interface {
	ContractAddress() string
	CurrentRoundIndex(ctx context.Context) (uint64, error)
	SubscribeRoundStart(ctx context.Context, ch chan<- RoundStart) (Subscription, error)
	// FindRoundStart searches the last lookback epochs for the start event of
	// the given round and returns the epoch it was emitted at.
	FindRoundStart(ctx context.Context, roundIndex uint64, lookback uint64) (uint64, bool, error)
}
