package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storacha/rtracker/internal/ledger"
	"github.com/storacha/rtracker/internal/materializer"
	"github.com/storacha/rtracker/internal/metrics"
	"github.com/storacha/rtracker/internal/store"
)

// advance resolves and materializes a round of the source contract in a single
// transaction. It is idempotent in the round index.
func (t *Tracker) advance(ctx context.Context, roundIndex uint64, startEpoch *uint64) (RoundInfo, error) {
	contractAddress := t.source.ContractAddress()

	var (
		info RoundInfo
		res  materializer.Result
	)
	err := t.store.InTx(ctx, func(ctx context.Context, tables store.Tables) error {
		internalRound, err := ledger.Resolve(ctx, tables.Versions, contractAddress, roundIndex)
		if err != nil {
			return fmt.Errorf("resolving round index %d: %w", roundIndex, err)
		}

		res, err = t.materializer.Materialize(ctx, tables, materializer.Params{
			InternalRound:      internalRound,
			ContractAddress:    contractAddress,
			ContractRoundIndex: roundIndex,
			StartEpoch:         startEpoch,
		})
		if err != nil {
			return fmt.Errorf("materializing round %d: %w", internalRound, err)
		}

		r, err := tables.Rounds.Get(ctx, internalRound)
		if err != nil {
			return fmt.Errorf("reading round %d: %w", internalRound, err)
		}

		info = RoundInfo{
			InternalRound:          r.ID,
			ContractAddress:        r.ContractAddress,
			ContractRoundIndex:     r.ContractRoundIndex,
			StartEpoch:             r.StartEpoch,
			MaxTasksPerParticipant: r.MaxTasksPerParticipant,
			Created:                res.Created,
		}
		return nil
	})
	if err != nil {
		return RoundInfo{}, err
	}

	t.materializer.Report(ctx, info.InternalRound, res)
	t.remember(info)

	return info, nil
}

// handle processes one round start notification. Failures are logged and
// reported; the next notification or re-resolution recovers.
func (t *Tracker) handle(ctx context.Context, n RoundStart) {
	l := log.With("correlation_id", uuid.NewString(), "contract", t.source.ContractAddress(), "round_index", n.RoundIndex)

	var epoch *uint64
	if n.BlockNumber > 0 {
		epoch = &n.BlockNumber
	} else {
		found, err := t.findRoundStart(ctx, n.RoundIndex)
		if err != nil {
			l.Errorf("Looking up round start: %v", err)
			t.report(err, map[string]string{"contract": t.source.ContractAddress()})
		}
		epoch = found
	}

	info, err := t.advance(ctx, n.RoundIndex, epoch)
	if err != nil {
		countNotification(ctx, "failed")
		l.Errorf("Handling round start notification: %v", err)
		if !errors.Is(err, ledger.ErrStaleIndex) {
			t.report(err, map[string]string{"contract": t.source.ContractAddress()})
		}
		return
	}

	if info.Created {
		countNotification(ctx, "created")
		l.Infof("Round %d started", info.InternalRound)
	} else {
		countNotification(ctx, "duplicate")
		l.Debugf("Round %d already exists", info.InternalRound)
	}
}

// reresolve resolves the current round of the source again, creating it if a
// notification was missed, and fills in its start epoch if unknown.
func (t *Tracker) reresolve(ctx context.Context) {
	l := log.With("correlation_id", uuid.NewString(), "contract", t.source.ContractAddress())

	index, err := t.source.CurrentRoundIndex(ctx)
	if err != nil {
		l.Warnf("Reading current round index: %v", err)
		return
	}

	info, err := t.advance(ctx, index, nil)
	if err != nil {
		l.Errorf("Re-resolving round index %d: %v", index, err)
		t.report(err, map[string]string{"contract": t.source.ContractAddress()})
		return
	}
	if info.Created {
		l.Warnf("Round %d (index %d) was missed by the subscription", info.InternalRound, index)
	}

	if info.StartEpoch != nil {
		return
	}

	epoch, err := t.findRoundStart(ctx, index)
	if err != nil {
		l.Warnf("Round %d still has no start epoch: %v", info.InternalRound, err)
		return
	}
	if err := t.store.Tables().Rounds.SetStartEpoch(ctx, info.InternalRound, *epoch); err != nil {
		l.Errorf("Storing start epoch of round %d: %v", info.InternalRound, err)
		return
	}
	l.Infof("Round %d start epoch set to %d", info.InternalRound, *epoch)
}

func countNotification(ctx context.Context, outcome string) {
	metrics.RoundNotifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
