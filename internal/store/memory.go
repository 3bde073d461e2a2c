package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/storacha/rtracker/internal/db/contractversions"
	"github.com/storacha/rtracker/internal/db/rounds"
	"github.com/storacha/rtracker/internal/db/tasks"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps round state in process memory. Transactions are fully
// serialized and applied atomically on success. It backs local runs without a
// database and the package tests of the round engine.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	versions map[string]contractversions.Version
	rounds   map[uint64]rounds.Round
	tasks    map[uint64][]tasks.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		versions: make(map[string]contractversions.Version),
		rounds:   make(map[uint64]rounds.Round),
		tasks:    make(map[uint64][]tasks.Task),
	}}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, t Tables) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.state.clone()
	if err := fn(ctx, draft.tables(func() func() { return func() {} })); err != nil {
		return err
	}
	m.state = draft
	return nil
}

func (m *MemoryStore) Tables() Tables {
	return tablesFunc(func() *memState { return m.state }, func() func() {
		m.mu.Lock()
		return m.mu.Unlock
	})
}

func (s *memState) clone() *memState {
	c := &memState{
		versions: make(map[string]contractversions.Version, len(s.versions)),
		rounds:   make(map[uint64]rounds.Round, len(s.rounds)),
		tasks:    make(map[uint64][]tasks.Task, len(s.tasks)),
	}
	for k, v := range s.versions {
		c.versions[k] = v
	}
	for k, v := range s.rounds {
		c.rounds[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	return c
}

func (s *memState) tables(lock func() func()) Tables {
	return tablesFunc(func() *memState { return s }, lock)
}

// tablesFunc resolves the state on every call so that tables handed out by
// MemoryStore.Tables observe committed transactions.
func tablesFunc(state func() *memState, lock func() func()) Tables {
	return Tables{
		Versions: &memVersions{state, lock},
		Rounds:   &memRounds{state, lock},
		Tasks:    &memTasks{state, lock},
	}
}

type memVersions struct {
	state func() *memState
	lock  func() func()
}

func (m *memVersions) Lock(ctx context.Context) error { return nil }

func (m *memVersions) Current(ctx context.Context) (contractversions.Version, bool, error) {
	defer m.lock()()

	var (
		current contractversions.Version
		found   bool
	)
	for _, v := range m.state().versions {
		if !found || v.LastInternalRound > current.LastInternalRound {
			current, found = v, true
		}
	}
	return current, found, nil
}

func (m *memVersions) Get(ctx context.Context, contractAddress string) (contractversions.Version, bool, error) {
	defer m.lock()()

	v, ok := m.state().versions[contractAddress]
	return v, ok, nil
}

func (m *memVersions) Insert(ctx context.Context, v contractversions.Version) error {
	defer m.lock()()

	st := m.state()
	if _, ok := st.versions[v.ContractAddress]; ok {
		return contractversions.ErrAddressTaken
	}
	st.versions[v.ContractAddress] = v
	return nil
}

func (m *memVersions) Advance(ctx context.Context, contractAddress string, lastInternalRound uint64) error {
	defer m.lock()()

	st := m.state()
	v, ok := st.versions[contractAddress]
	if !ok {
		return nil
	}
	v.LastInternalRound = max(v.LastInternalRound, lastInternalRound)
	st.versions[contractAddress] = v
	return nil
}

type memRounds struct {
	state func() *memState
	lock  func() func()
}

func (m *memRounds) Insert(ctx context.Context, r rounds.Round) (bool, error) {
	defer m.lock()()

	st := m.state()
	if _, ok := st.rounds[r.ID]; ok {
		return false, nil
	}
	st.rounds[r.ID] = r
	return true, nil
}

func (m *memRounds) Get(ctx context.Context, id uint64) (rounds.Round, error) {
	defer m.lock()()

	r, ok := m.state().rounds[id]
	if !ok {
		return rounds.Round{}, rounds.ErrNotFound
	}
	return r, nil
}

func (m *memRounds) Latest(ctx context.Context) (rounds.Round, error) {
	defer m.lock()()

	var (
		latest rounds.Round
		found  bool
	)
	for _, r := range m.state().rounds {
		if !found || r.ID > latest.ID {
			latest, found = r, true
		}
	}
	if !found {
		return rounds.Round{}, rounds.ErrNotFound
	}
	return latest, nil
}

func (m *memRounds) SetStartEpoch(ctx context.Context, id uint64, epoch uint64) error {
	defer m.lock()()

	st := m.state()
	r, ok := st.rounds[id]
	if !ok || r.StartEpoch != nil {
		return nil
	}
	r.StartEpoch = &epoch
	st.rounds[id] = r
	return nil
}

func (m *memRounds) AddMeasurements(ctx context.Context, id uint64, count uint64) error {
	defer m.lock()()

	st := m.state()
	r, ok := st.rounds[id]
	if !ok {
		return rounds.ErrNotFound
	}
	r.MeasurementCount += count
	st.rounds[id] = r
	return nil
}

type memTasks struct {
	state func() *memState
	lock  func() func()
}

func (m *memTasks) InsertBatch(ctx context.Context, roundID uint64, ts []tasks.Task) error {
	defer m.lock()()

	st := m.state()
	stored := slices.Clone(st.tasks[roundID])
	for _, t := range ts {
		t.RoundID = roundID
		t.Participants = slices.Clone(t.Participants)
		stored = append(stored, t)
	}
	st.tasks[roundID] = stored
	return nil
}

func (m *memTasks) ListByRound(ctx context.Context, roundID uint64) ([]tasks.Task, error) {
	defer m.lock()()

	ts := slices.Clone(m.state().tasks[roundID])
	slices.SortFunc(ts, func(a, b tasks.Task) int {
		return cmp.Or(cmp.Compare(a.ContentID, b.ContentID), cmp.Compare(a.ProviderID, b.ProviderID))
	})
	return ts, nil
}
