// Package materializer creates a round and its sampling task set exactly once.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/rtracker/internal/db/deals"
	"github.com/storacha/rtracker/internal/db/rounds"
	"github.com/storacha/rtracker/internal/metrics"
	"github.com/storacha/rtracker/internal/scaler"
	"github.com/storacha/rtracker/internal/store"
)

var log = logging.Logger("materializer")

type CandidateProvider interface {
	SampleCandidates(ctx context.Context, limit int) ([]deals.Candidate, error)
}

type Config struct {
	Scaling scaler.Params
	// TasksToParticipantsRatio converts a per-participant quota into the size
	// of the round's task set.
	TasksToParticipantsRatio float64
	// CandidateOversample is how many candidates are requested per task, so
	// that grouping by content and provider still leaves enough tasks.
	CandidateOversample int
}

func DefaultConfig() Config {
	params := scaler.DefaultParams()
	return Config{
		Scaling:                  params,
		TasksToParticipantsRatio: scaler.TasksToParticipantsRatio(1_000, params.BaselineQuota),
		CandidateOversample:      4,
	}
}

type Option func(*Materializer)

// WithRand sets the random source used for task sampling.
func WithRand(r *rand.Rand) Option {
	return func(m *Materializer) {
		m.random = r.Float64
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Materializer) {
		m.now = now
	}
}

type Materializer struct {
	cfg        Config
	candidates CandidateProvider
	recorder   metrics.Recorder
	random     func() float64
	now        func() time.Time
}

func New(cfg Config, candidates CandidateProvider, recorder metrics.Recorder, opts ...Option) *Materializer {
	if cfg.CandidateOversample < 1 {
		cfg.CandidateOversample = 1
	}
	m := &Materializer{
		cfg:        cfg,
		candidates: candidates,
		recorder:   recorder,
		random:     rand.Float64,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type Params struct {
	InternalRound      uint64
	ContractAddress    string
	ContractRoundIndex uint64
	StartEpoch         *uint64
}

type Result struct {
	// Created is false when the round already existed, in which case no tasks
	// were sampled and Quota is the quota stored with the round.
	Created   bool
	Quota     uint64
	TaskCount int
	// SampledTasks is the number of tasks persisted, which is lower than
	// TaskCount when there are not enough eligible candidates.
	SampledTasks int
	Previous     scaler.Previous
}

// Materialize creates the round with the given internal number and samples its
// task set. It must run inside the caller's transaction; invoking it again for
// the same round is a no-op reporting Created=false.
func (m *Materializer) Materialize(ctx context.Context, t store.Tables, p Params) (Result, error) {
	prev, err := previousRound(ctx, t.Rounds, p.InternalRound)
	if err != nil {
		return Result{}, err
	}

	quota := scaler.ComputeQuota(prev, m.cfg.Scaling)

	created, err := t.Rounds.Insert(ctx, rounds.Round{
		ID:                     p.InternalRound,
		CreatedAt:              m.now().UTC(),
		ContractAddress:        p.ContractAddress,
		ContractRoundIndex:     p.ContractRoundIndex,
		StartEpoch:             p.StartEpoch,
		MaxTasksPerParticipant: quota,
	})
	if err != nil {
		return Result{}, err
	}

	if !created {
		existing, err := t.Rounds.Get(ctx, p.InternalRound)
		if err != nil {
			return Result{}, fmt.Errorf("reading existing round %d: %w", p.InternalRound, err)
		}
		return Result{Created: false, Quota: existing.MaxTasksPerParticipant, Previous: prev}, nil
	}

	taskCount := scaler.TaskCount(quota, m.cfg.TasksToParticipantsRatio)

	candidates, err := m.candidates.SampleCandidates(ctx, taskCount*m.cfg.CandidateOversample)
	if err != nil {
		return Result{}, fmt.Errorf("sampling candidates for round %d: %w", p.InternalRound, err)
	}

	selected := selectTasks(p.InternalRound, candidates, taskCount, m.random)
	if err := t.Tasks.InsertBatch(ctx, p.InternalRound, selected); err != nil {
		return Result{}, err
	}

	log.Infof("Created round %d (contract %s index %d) with quota %d and %d/%d tasks",
		p.InternalRound, p.ContractAddress, p.ContractRoundIndex, quota, len(selected), taskCount)

	return Result{
		Created:      true,
		Quota:        quota,
		TaskCount:    taskCount,
		SampledTasks: len(selected),
		Previous:     prev,
	}, nil
}

// Report emits the round scaling telemetry of a committed materialization.
// Telemetry problems are logged and never surface to the caller.
func (m *Materializer) Report(ctx context.Context, internalRound uint64, res Result) {
	if !res.Created {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recording telemetry for round %d: %v", internalRound, r)
		}
	}()

	metrics.RoundsCreated.Add(ctx, 1)
	m.recorder.Record(ctx, "round", func(p *metrics.Point) {
		p.Uint("id", internalRound)
		p.Uint("target_measurements", m.cfg.Scaling.TargetMeasurementsPerRound)
		p.Int("task_count", int64(res.TaskCount))
		p.Int("sampled_tasks", int64(res.SampledTasks))
		p.Uint("quota", res.Quota)
		p.Uint("previous_measurement_count", res.Previous.MeasurementCount)
		p.Uint("previous_quota", res.Previous.MaxTasksPerParticipant)
	})
}

func previousRound(ctx context.Context, table rounds.RoundTable, internalRound uint64) (scaler.Previous, error) {
	if internalRound <= 1 {
		return scaler.Previous{}, nil
	}

	r, err := table.Get(ctx, internalRound-1)
	if err != nil {
		if errors.Is(err, rounds.ErrNotFound) {
			return scaler.Previous{}, nil
		}
		return scaler.Previous{}, fmt.Errorf("reading previous round: %w", err)
	}

	return scaler.Previous{
		Found:                  true,
		MaxTasksPerParticipant: r.MaxTasksPerParticipant,
		MeasurementCount:       r.MeasurementCount,
	}, nil
}
