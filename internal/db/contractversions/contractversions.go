package contractversions

import (
	"context"
	"errors"
)

// Version records how the round indices of one contract deployment map onto
// internal round numbers: internal = index + RoundOffset.
type Version struct {
	ContractAddress    string
	RoundOffset        int64
	FirstInternalRound uint64
	LastInternalRound  uint64
}

// InternalRound translates a contract round index using this version's offset.
func (v Version) InternalRound(contractRoundIndex uint64) uint64 {
	return uint64(int64(contractRoundIndex) + v.RoundOffset)
}

// Covers reports whether the internal round was produced by this version.
func (v Version) Covers(internalRound uint64) bool {
	return internalRound >= v.FirstInternalRound && internalRound <= v.LastInternalRound
}

// ErrAddressTaken is returned by Insert when a version for the contract address
// was committed concurrently.
var ErrAddressTaken = errors.New("contract version already exists")

type VersionTable interface {
	// Lock serializes ledger resolution across writers until the end of the
	// surrounding transaction.
	Lock(ctx context.Context) error
	// Current returns the version with the greatest last internal round.
	Current(ctx context.Context) (Version, bool, error)
	Get(ctx context.Context, contractAddress string) (Version, bool, error)
	Insert(ctx context.Context, version Version) error
	// Advance moves the last internal round of a version forward. It never
	// moves it backwards.
	Advance(ctx context.Context, contractAddress string, lastInternalRound uint64) error
}
