package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/rtracker/internal/db/deals"
	"github.com/storacha/rtracker/internal/db/rounds"
	"github.com/storacha/rtracker/internal/groups"
	"github.com/storacha/rtracker/internal/ledger"
	"github.com/storacha/rtracker/internal/store"
)

var log = logging.Logger("service")

type ErrRoundNotFound struct {
	msg string
}

func NewRoundNotFoundError(msg string) ErrRoundNotFound {
	return ErrRoundNotFound{msg: msg}
}

func (e ErrRoundNotFound) Error() string {
	return e.msg
}

type ErrInvalidDeal struct {
	msg string
}

func NewInvalidDealError(msg string) ErrInvalidDeal {
	return ErrInvalidDeal{msg: msg}
}

func (e ErrInvalidDeal) Error() string {
	return e.msg
}

// RoundDetails is the public view of a round and its task set.
type RoundDetails struct {
	ID                     uint64
	CreatedAt              time.Time
	ContractAddress        string
	ContractRoundIndex     uint64
	StartEpoch             *uint64
	MaxTasksPerParticipant uint64
	MeasurementCount       uint64
	Tasks                  []TaskDetails
}

type TaskDetails struct {
	ContentID    string
	ProviderID   string
	Participants []string
}

type Service interface {
	CurrentRound(ctx context.Context) (*RoundDetails, error)
	GetRound(ctx context.Context, id uint64) (*RoundDetails, error)
	// GetRoundByContract returns the round a contract version numbered index.
	GetRoundByContract(ctx context.Context, contractAddress string, index uint64) (*RoundDetails, error)
	AssignGroup(ctx context.Context, subnet string) (string, error)
	AddEligibleDeal(ctx context.Context, deal deals.Deal) error
	RecordMeasurements(ctx context.Context, roundID uint64, count uint64) error
}

var _ Service = (*service)(nil)

type service struct {
	store     store.Store
	dealTable deals.DealTable
	assignor  *groups.Assignor
	now       func() time.Time
}

func New(s store.Store, dealTable deals.DealTable, assignor *groups.Assignor) Service {
	return &service{
		store:     s,
		dealTable: dealTable,
		assignor:  assignor,
		now:       time.Now,
	}
}

func (s *service) CurrentRound(ctx context.Context) (*RoundDetails, error) {
	r, err := s.store.Tables().Rounds.Latest(ctx)
	if err != nil {
		if errors.Is(err, rounds.ErrNotFound) {
			return nil, NewRoundNotFoundError("no round has started yet")
		}
		return nil, err
	}
	return s.details(ctx, r)
}

func (s *service) GetRound(ctx context.Context, id uint64) (*RoundDetails, error) {
	r, err := s.store.Tables().Rounds.Get(ctx, id)
	if err != nil {
		if errors.Is(err, rounds.ErrNotFound) {
			return nil, NewRoundNotFoundError(fmt.Sprintf("round %d not found", id))
		}
		return nil, err
	}
	return s.details(ctx, r)
}

func (s *service) GetRoundByContract(ctx context.Context, contractAddress string, index uint64) (*RoundDetails, error) {
	contractAddress = strings.ToLower(contractAddress)

	id, err := ledger.Lookup(ctx, s.store.Tables().Versions, contractAddress, index)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, NewRoundNotFoundError(fmt.Sprintf("round %d of contract %s not found", index, contractAddress))
		}
		return nil, err
	}
	return s.GetRound(ctx, id)
}

func (s *service) AssignGroup(ctx context.Context, subnet string) (string, error) {
	return s.assignor.AssignGroup(ctx, subnet)
}

func (s *service) AddEligibleDeal(ctx context.Context, deal deals.Deal) error {
	c, err := cid.Decode(deal.ContentID)
	if err != nil {
		return NewInvalidDealError(fmt.Sprintf("invalid content ID %q", deal.ContentID))
	}
	if deal.ProviderID == "" {
		return NewInvalidDealError("provider ID is required")
	}
	if deal.ParticipantID == "" {
		return NewInvalidDealError("participant ID is required")
	}
	if !deal.ExpiresAt.After(s.now()) {
		return NewInvalidDealError(fmt.Sprintf("deal expired at %s", deal.ExpiresAt.Format(time.RFC3339)))
	}

	deal.ContentID = c.String()
	deal.ParticipantID = strings.ToLower(deal.ParticipantID)
	return s.dealTable.Upsert(ctx, deal)
}

func (s *service) RecordMeasurements(ctx context.Context, roundID uint64, count uint64) error {
	if err := s.store.Tables().Rounds.AddMeasurements(ctx, roundID, count); err != nil {
		if errors.Is(err, rounds.ErrNotFound) {
			return NewRoundNotFoundError(fmt.Sprintf("round %d not found", roundID))
		}
		return err
	}
	log.Debugf("Recorded %d measurements for round %d", count, roundID)
	return nil
}

func (s *service) details(ctx context.Context, r rounds.Round) (*RoundDetails, error) {
	ts, err := s.store.Tables().Tasks.ListByRound(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks of round %d: %w", r.ID, err)
	}

	details := &RoundDetails{
		ID:                     r.ID,
		CreatedAt:              r.CreatedAt,
		ContractAddress:        r.ContractAddress,
		ContractRoundIndex:     r.ContractRoundIndex,
		StartEpoch:             r.StartEpoch,
		MaxTasksPerParticipant: r.MaxTasksPerParticipant,
		MeasurementCount:       r.MeasurementCount,
		Tasks:                  make([]TaskDetails, 0, len(ts)),
	}
	for _, t := range ts {
		details.Tasks = append(details.Tasks, TaskDetails{
			ContentID:    t.ContentID,
			ProviderID:   t.ProviderID,
			Participants: t.Participants,
		})
	}
	return details, nil
}
