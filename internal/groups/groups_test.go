package groups

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storacha/rtracker/internal/db/subnets"
)

func sequence(ids ...string) func() (string, error) {
	var (
		mu sync.Mutex
		i  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id, nil
	}
}

func TestAssignGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("random ids are url safe", func(t *testing.T) {
		id, err := randomID()
		require.NoError(t, err)
		assert.Len(t, id, 11)
		assert.NotContains(t, id, "=")
		assert.NotContains(t, id, "+")
		assert.NotContains(t, id, "/")
	})

	t.Run("same subnet returns the same group", func(t *testing.T) {
		table := subnets.NewMemorySubnetTable()
		a := New(table)

		first, err := a.AssignGroup(ctx, "203.0.113.0/24")
		require.NoError(t, err)
		second, err := a.AssignGroup(ctx, "203.0.113.0/24")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, table.Len())
	})

	t.Run("different subnets get different groups", func(t *testing.T) {
		table := subnets.NewMemorySubnetTable()
		a := New(table)

		first, err := a.AssignGroup(ctx, "203.0.113.0/24")
		require.NoError(t, err)
		second, err := a.AssignGroup(ctx, "198.51.100.0/24")
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
		assert.Equal(t, 2, table.Len())
	})

	t.Run("concurrent callers converge", func(t *testing.T) {
		table := subnets.NewMemorySubnetTable()

		var wg sync.WaitGroup
		results := make([]string, 32)
		for i := range results {
			wg.Go(func() {
				id, err := New(table).AssignGroup(ctx, "203.0.113.0/24")
				assert.NoError(t, err)
				results[i] = id
			})
		}
		wg.Wait()

		for _, id := range results {
			assert.Equal(t, results[0], id)
		}
		assert.Equal(t, 1, table.Len())
	})

	t.Run("retries on group id collisions", func(t *testing.T) {
		table := subnets.NewMemorySubnetTable()
		_, err := New(table, WithIDGenerator(sequence("taken"))).AssignGroup(ctx, "198.51.100.0/24")
		require.NoError(t, err)

		id, err := New(table, WithIDGenerator(sequence("taken", "taken", "fresh"))).AssignGroup(ctx, "203.0.113.0/24")
		require.NoError(t, err)
		assert.Equal(t, "fresh", id)
	})

	t.Run("exhausted after repeated collisions", func(t *testing.T) {
		table := subnets.NewMemorySubnetTable()
		_, err := New(table, WithIDGenerator(sequence("taken"))).AssignGroup(ctx, "198.51.100.0/24")
		require.NoError(t, err)

		_, err = New(table, WithIDGenerator(sequence("taken"))).AssignGroup(ctx, "203.0.113.0/24")
		require.ErrorIs(t, err, ErrExhausted)
		assert.Equal(t, 1, table.Len())
	})

	t.Run("store errors are returned", func(t *testing.T) {
		a := New(&mockSubnetTable{
			getFunc: func(ctx context.Context, subnet string) (string, bool, error) {
				return "", false, nil
			},
			insertFunc: func(ctx context.Context, subnet, groupID string) (string, error) {
				return "", errors.New("connection refused")
			},
		})

		_, err := a.AssignGroup(ctx, "203.0.113.0/24")
		require.ErrorContains(t, err, "connection refused")
		require.NotErrorIs(t, err, ErrExhausted)
	})

	t.Run("lost race returns the committed group", func(t *testing.T) {
		a := New(&mockSubnetTable{
			getFunc: func(ctx context.Context, subnet string) (string, bool, error) {
				return "", false, nil
			},
			insertFunc: func(ctx context.Context, subnet, groupID string) (string, error) {
				return "winner", nil
			},
		})

		id, err := a.AssignGroup(ctx, "203.0.113.0/24")
		require.NoError(t, err)
		assert.Equal(t, "winner", id)
	})
}

type mockSubnetTable struct {
	getFunc    func(ctx context.Context, subnet string) (string, bool, error)
	insertFunc func(ctx context.Context, subnet, groupID string) (string, error)
}

func (m *mockSubnetTable) Get(ctx context.Context, subnet string) (string, bool, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, subnet)
	}
	return "", false, fmt.Errorf("not implemented")
}

func (m *mockSubnetTable) Insert(ctx context.Context, subnet, groupID string) (string, error) {
	if m.insertFunc != nil {
		return m.insertFunc(ctx, subnet, groupID)
	}
	return "", fmt.Errorf("not implemented")
}
