package subnets

import (
	"context"
	"sync"
)

var _ SubnetTable = (*MemorySubnetTable)(nil)

// MemorySubnetTable keeps assignments in process memory. It is used when the
// service runs without a database.
type MemorySubnetTable struct {
	mu       sync.Mutex
	bySubnet map[string]string
	byGroup  map[string]string
}

func NewMemorySubnetTable() *MemorySubnetTable {
	return &MemorySubnetTable{
		bySubnet: make(map[string]string),
		byGroup:  make(map[string]string),
	}
}

func (m *MemorySubnetTable) Get(ctx context.Context, subnet string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	groupID, ok := m.bySubnet[subnet]
	return groupID, ok, nil
}

func (m *MemorySubnetTable) Insert(ctx context.Context, subnet string, groupID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if committed, ok := m.bySubnet[subnet]; ok {
		return committed, nil
	}
	if _, ok := m.byGroup[groupID]; ok {
		return "", ErrGroupIDTaken
	}

	m.bySubnet[subnet] = groupID
	m.byGroup[groupID] = subnet
	return groupID, nil
}

// Len returns the number of assigned subnets.
func (m *MemorySubnetTable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySubnet)
}
