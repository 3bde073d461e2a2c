// Package ledger maps contract-relative round indices onto strictly increasing
// internal round numbers, surviving contract upgrades.
package ledger

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/rtracker/internal/db/contractversions"
)

var log = logging.Logger("ledger")

var (
	ErrNotFound = errors.New("round not found for contract")
	// ErrRetiredContract is returned when a contract address that was
	// superseded by an upgrade reports a new round.
	ErrRetiredContract = errors.New("contract version is no longer current")
	// ErrStaleIndex is returned for round indices older than the first round
	// the current contract version produced.
	ErrStaleIndex = errors.New("round index precedes contract version")
)

// Resolve returns the internal round number for a round index reported by the
// given contract and records it in the contract versions table. It must run
// inside the caller's transaction.
func Resolve(ctx context.Context, versions contractversions.VersionTable, contractAddress string, contractRoundIndex uint64) (uint64, error) {
	if err := versions.Lock(ctx); err != nil {
		return 0, err
	}

	current, found, err := versions.Current(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading current contract version: %w", err)
	}

	if found && current.ContractAddress == contractAddress {
		if int64(contractRoundIndex)+current.RoundOffset < int64(current.FirstInternalRound) {
			return 0, fmt.Errorf("%w: index %d of %s", ErrStaleIndex, contractRoundIndex, contractAddress)
		}
		internalRound := current.InternalRound(contractRoundIndex)
		if err := versions.Advance(ctx, contractAddress, internalRound); err != nil {
			return 0, err
		}
		return internalRound, nil
	}

	if _, known, err := versions.Get(ctx, contractAddress); err != nil {
		return 0, fmt.Errorf("reading contract version: %w", err)
	} else if known {
		return 0, fmt.Errorf("%w: %s", ErrRetiredContract, contractAddress)
	}

	var internalRound uint64 = 1
	if found {
		internalRound = current.LastInternalRound + 1
	}

	version := contractversions.Version{
		ContractAddress:    contractAddress,
		RoundOffset:        int64(internalRound) - int64(contractRoundIndex),
		FirstInternalRound: internalRound,
		LastInternalRound:  internalRound,
	}
	if err := versions.Insert(ctx, version); err != nil {
		return 0, fmt.Errorf("recording contract version %s: %w", contractAddress, err)
	}

	if found {
		log.Infof("Contract upgraded from %s to %s, round index %d starts internal round %d", current.ContractAddress, contractAddress, contractRoundIndex, internalRound)
	} else {
		log.Infof("First contract %s observed, round index %d is internal round %d", contractAddress, contractRoundIndex, internalRound)
	}

	return internalRound, nil
}

// Lookup translates a round index of any known contract version into an
// internal round number without modifying the ledger. Rounds outside the range
// the version has produced so far are not found.
func Lookup(ctx context.Context, versions contractversions.VersionTable, contractAddress string, contractRoundIndex uint64) (uint64, error) {
	version, found, err := versions.Get(ctx, contractAddress)
	if err != nil {
		return 0, fmt.Errorf("reading contract version: %w", err)
	}
	if !found {
		return 0, ErrNotFound
	}

	if int64(contractRoundIndex)+version.RoundOffset < 1 {
		return 0, ErrNotFound
	}

	internalRound := version.InternalRound(contractRoundIndex)
	if !version.Covers(internalRound) {
		return 0, ErrNotFound
	}
	return internalRound, nil
}
