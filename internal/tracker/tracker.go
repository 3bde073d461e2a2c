// Package tracker follows the external round source and makes sure every round
// it announces is resolved and materialized.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/rtracker/internal/materializer"
	"github.com/storacha/rtracker/internal/store"
)

var log = logging.Logger("tracker")

var (
	ErrAlreadyStarted = errors.New("tracker already started")
	// ErrRoundStartNotFound is returned when the start event of a round could
	// not be found within the lookback limits.
	ErrRoundStartNotFound = errors.New("round start event not found")
)

type State int32

const (
	// Starting is the state until the current round has been materialized.
	Starting State = iota
	// Tracking is the state while notifications are consumed.
	Tracking
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// RoundInfo describes a resolved round.
type RoundInfo struct {
	InternalRound          uint64
	ContractAddress        string
	ContractRoundIndex     uint64
	StartEpoch             *uint64
	MaxTasksPerParticipant uint64
	// Created is true when this resolution created the round.
	Created bool
}

type Config struct {
	// LookbackBlocks is the initial window searched for a round start event.
	// It doubles on every attempt.
	LookbackBlocks      uint64
	LookbackMaxAttempts int
	// ReresolveInterval is the period of the re-resolution of the current
	// round. Zero disables it.
	ReresolveInterval  time.Duration
	NotificationBuffer int
}

func DefaultConfig() Config {
	return Config{
		LookbackBlocks:      500,
		LookbackMaxAttempts: 5,
		ReresolveInterval:   5 * time.Minute,
		NotificationBuffer:  16,
	}
}

// ErrorReporter forwards failures to an external error tracker.
type ErrorReporter func(err error, tags map[string]string)

type Option func(*Tracker)

func WithErrorReporter(r ErrorReporter) Option {
	return func(t *Tracker) {
		t.report = r
	}
}

// WithBackOff sets the policy used between lookback attempts and
// resubscriptions.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(t *Tracker) {
		t.newBackOff = newBackOff
	}
}

type Tracker struct {
	store        store.Store
	source       Source
	materializer *materializer.Materializer
	cfg          Config
	report       ErrorReporter
	newBackOff   func() backoff.BackOff

	started  atomic.Bool
	state    atomic.Int32
	current  atomic.Pointer[RoundInfo]
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

func New(s store.Store, source Source, m *materializer.Materializer, cfg Config, opts ...Option) *Tracker {
	if cfg.LookbackMaxAttempts < 1 {
		cfg.LookbackMaxAttempts = 1
	}
	if cfg.NotificationBuffer < 1 {
		cfg.NotificationBuffer = 1
	}
	t := &Tracker{
		store:        s,
		source:       source,
		materializer: m,
		cfg:          cfg,
		report:       func(error, map[string]string) {},
		newBackOff:   defaultBackOff,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (t *Tracker) State() State {
	return State(t.state.Load())
}

// Current returns the last round resolved by this instance. It is a hint for
// read paths; the store is authoritative.
func (t *Tracker) Current() (RoundInfo, bool) {
	info := t.current.Load()
	if info == nil {
		return RoundInfo{}, false
	}
	return *info, true
}

// Start materializes the current round of the source and starts consuming
// round start notifications in the background. It returns the resolved round.
// Cancelling ctx, or calling Stop, ends the subscription; materializations
// already in flight run to completion.
func (t *Tracker) Start(ctx context.Context) (RoundInfo, error) {
	if !t.started.CompareAndSwap(false, true) {
		return RoundInfo{}, ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	notifications := make(chan RoundStart, t.cfg.NotificationBuffer)
	sub, err := t.source.SubscribeRoundStart(ctx, notifications)
	if err != nil {
		cancel()
		close(t.done)
		return RoundInfo{}, fmt.Errorf("subscribing to round start notifications: %w", err)
	}

	info, err := t.start(ctx)
	if err != nil {
		sub.Unsubscribe()
		cancel()
		close(t.done)
		return RoundInfo{}, err
	}

	t.state.Store(int32(Tracking))
	log.Infof("Tracking rounds of %s from internal round %d", t.source.ContractAddress(), info.InternalRound)

	go t.loop(ctx, sub, notifications)

	return info, nil
}

func (t *Tracker) start(ctx context.Context) (RoundInfo, error) {
	index, err := t.source.CurrentRoundIndex(ctx)
	if err != nil {
		return RoundInfo{}, fmt.Errorf("reading current round index: %w", err)
	}

	epoch, err := t.findRoundStart(ctx, index)
	if err != nil {
		if !errors.Is(err, ErrRoundStartNotFound) {
			return RoundInfo{}, err
		}
		log.Errorf("Materializing round index %d without start epoch: %v", index, err)
		t.report(err, map[string]string{"contract": t.source.ContractAddress()})
	}

	return t.advance(ctx, index, epoch)
}

// Stop ends the subscription. It does not wait for in-flight
// materializations, see Wait.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Done is closed when the notification loop has exited.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the loop has exited and in-flight materializations have
// finished.
func (t *Tracker) Wait() {
	<-t.done
	t.inflight.Wait()
}

func (t *Tracker) loop(ctx context.Context, sub Subscription, notifications chan RoundStart) {
	defer close(t.done)

	var tick <-chan time.Time
	if t.cfg.ReresolveInterval > 0 {
		ticker := time.NewTicker(t.cfg.ReresolveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	detached := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("Tracker stopping, unsubscribing from round start notifications")
			sub.Unsubscribe()
			return

		case err := <-sub.Err():
			sub.Unsubscribe()
			log.Warnf("Round start subscription dropped: %v", err)

			sub = t.resubscribe(ctx, notifications)
			if sub == nil {
				return
			}

		case n := <-notifications:
			t.inflight.Go(func() {
				t.handle(detached, n)
			})

		case <-tick:
			t.inflight.Go(func() {
				t.reresolve(detached)
			})
		}
	}
}

func (t *Tracker) resubscribe(ctx context.Context, notifications chan<- RoundStart) Subscription {
	var sub Subscription
	err := backoff.RetryNotify(func() error {
		var err error
		sub, err = t.source.SubscribeRoundStart(ctx, notifications)
		return err
	}, backoff.WithContext(t.newBackOff(), ctx), func(err error, wait time.Duration) {
		log.Warnf("Resubscribing to round start notifications failed, retrying in %s: %v", wait, err)
	})
	if err != nil {
		log.Errorf("Giving up on round start notifications: %v", err)
		return nil
	}
	log.Info("Resubscribed to round start notifications")
	return sub
}

// findRoundStart searches for the start epoch of a round, widening the window
// on every attempt. It returns ErrRoundStartNotFound once the attempts are
// exhausted.
func (t *Tracker) findRoundStart(ctx context.Context, index uint64) (*uint64, error) {
	var (
		epoch    uint64
		window   = t.cfg.LookbackBlocks
		attempts int
	)

	b := backoff.WithContext(backoff.WithMaxRetries(t.newBackOff(), uint64(t.cfg.LookbackMaxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		e, found, err := t.source.FindRoundStart(ctx, index, window)
		if err != nil {
			return err
		}
		if !found {
			err := fmt.Errorf("no start event in the last %d epochs", window)
			if window < math.MaxUint64/2 {
				window *= 2
			}
			return err
		}
		epoch = e
		return nil
	}, b)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: round index %d after %d attempts: %w", ErrRoundStartNotFound, index, attempts, err)
	}
	return &epoch, nil
}

func (t *Tracker) remember(info RoundInfo) {
	for {
		prev := t.current.Load()
		if prev != nil && prev.InternalRound >= info.InternalRound {
			return
		}
		if t.current.CompareAndSwap(prev, &info) {
			return
		}
	}
}
