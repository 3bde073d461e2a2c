// Package scaler computes how many tasks each participant should perform in a
// round, steering the network's measurement volume towards a target.
package scaler

import (
	"math"
	"math/bits"
)

// Previous describes the round before the one being created. Found is false
// when there is no previous round.
type Previous struct {
	Found                  bool
	MaxTasksPerParticipant uint64
	MeasurementCount       uint64
}

type Params struct {
	TargetMeasurementsPerRound uint64
	BaselineQuota              uint64
	Floor                      uint64
	Ceiling                    uint64
}

// DefaultParams returns the production constants: a baseline of 15 tasks per
// participant and a ceiling that bounds per-participant load spikes.
func DefaultParams() Params {
	return Params{
		TargetMeasurementsPerRound: 500_000,
		BaselineQuota:              15,
		Floor:                      1,
		Ceiling:                    1_000,
	}
}

// ComputeQuota returns the per-participant task quota for the next round:
// floor(previousQuota * target / previousCount) clamped to [Floor, Ceiling],
// or the baseline when there is no previous round or it produced nothing.
func ComputeQuota(prev Previous, p Params) uint64 {
	if !prev.Found || prev.MeasurementCount == 0 {
		return p.BaselineQuota
	}

	hi, lo := bits.Mul64(prev.MaxTasksPerParticipant, p.TargetMeasurementsPerRound)
	var quota uint64
	if hi >= prev.MeasurementCount {
		// quotient does not fit in 64 bits
		quota = math.MaxUint64
	} else {
		quota, _ = bits.Div64(hi, lo, prev.MeasurementCount)
	}

	return clamp(quota, max(p.Floor, 1), p.Ceiling)
}

// TaskCount returns the number of tasks to sample for a round with the given
// quota: floor(quota * ratio).
func TaskCount(quota uint64, ratio float64) int {
	n := math.Floor(float64(quota) * ratio)
	if n <= 0 {
		return 0
	}
	if n >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// TasksToParticipantsRatio derives the fixed ratio between a round's task set
// size and the per-participant quota from the baseline constants.
func TasksToParticipantsRatio(baselineTasksPerRound, baselineQuota uint64) float64 {
	if baselineQuota == 0 {
		return 0
	}
	return float64(baselineTasksPerRound) / float64(baselineQuota)
}

func clamp(v, lo, hi uint64) uint64 {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}
