package subnets

import (
	"context"
	"errors"
)

// ErrGroupIDTaken is returned by Insert when the candidate group ID is already
// assigned to a different subnet.
var ErrGroupIDTaken = errors.New("group id already assigned")

type SubnetTable interface {
	Get(ctx context.Context, subnet string) (string, bool, error)
	// Insert assigns groupID to subnet unless the subnet already has a group,
	// and returns the group ID committed for the subnet.
	Insert(ctx context.Context, subnet string, groupID string) (string, error)
}
