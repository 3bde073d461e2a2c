package rounds

import (
	"context"
	"errors"
	"time"
)

type Round struct {
	ID                     uint64
	CreatedAt              time.Time
	ContractAddress        string
	ContractRoundIndex     uint64
	StartEpoch             *uint64
	MaxTasksPerParticipant uint64
	MeasurementCount       uint64
}

var ErrNotFound = errors.New("round not found")

type RoundTable interface {
	// Insert stores the round unless a round with the same ID exists. It
	// reports whether the row was created by this call.
	Insert(ctx context.Context, round Round) (bool, error)
	Get(ctx context.Context, id uint64) (Round, error)
	Latest(ctx context.Context) (Round, error)
	// SetStartEpoch fills in the start epoch of a round created without one.
	SetStartEpoch(ctx context.Context, id uint64, epoch uint64) error
	AddMeasurements(ctx context.Context, id uint64, count uint64) error
}
