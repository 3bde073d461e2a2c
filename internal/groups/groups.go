// Package groups assigns a stable random group ID to every client subnet.
package groups

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storacha/rtracker/internal/db/subnets"
	"github.com/storacha/rtracker/internal/metrics"
)

var log = logging.Logger("groups")

const (
	maxAttempts = 5
	idBytes     = 8
)

// ErrExhausted is returned when no unused group ID was generated within the
// attempt limit. The operation can be retried.
var ErrExhausted = errors.New("group id generation attempts exhausted")

type Assignor struct {
	table subnets.SubnetTable
	newID func() (string, error)
}

type Option func(*Assignor)

// WithIDGenerator replaces the random group ID generator.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(a *Assignor) {
		a.newID = newID
	}
}

func New(table subnets.SubnetTable, opts ...Option) *Assignor {
	a := &Assignor{table: table, newID: randomID}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AssignGroup returns the group ID of subnet, allocating one on first use.
// Concurrent callers for the same subnet all receive the committed ID.
func (a *Assignor) AssignGroup(ctx context.Context, subnet string) (string, error) {
	groupID, found, err := a.table.Get(ctx, subnet)
	if err != nil {
		return "", fmt.Errorf("looking up subnet group: %w", err)
	}
	if found {
		metrics.SubnetGroupsAssigned.Add(ctx, 1, metric.WithAttributes(attribute.Bool("allocated", false)))
		return groupID, nil
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		candidate, err := a.newID()
		if err != nil {
			return "", fmt.Errorf("generating group id: %w", err)
		}

		committed, err := a.table.Insert(ctx, subnet, candidate)
		if err != nil {
			if errors.Is(err, subnets.ErrGroupIDTaken) {
				log.Warnf("Group id collision on attempt %d/%d", attempt, maxAttempts)
				continue
			}
			return "", err
		}

		metrics.SubnetGroupsAssigned.Add(ctx, 1, metric.WithAttributes(attribute.Bool("allocated", committed == candidate)))
		return committed, nil
	}

	return "", ErrExhausted
}

func randomID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
