package merge

import (
	"context"

	"github.com/google/uuid"
)

// Aggregate is one mergeable data domain (collections, experience, ...).
// Each implementation owns its storage and merge semantics; the orchestrator
// treats them uniformly.
//
// MergeInto must be individually idempotent against replay: after a crash
// between steps, re-running it for an already-merged pair moves nothing and
// returns zero, so a retry completes without double-counting.
type Aggregate interface {
	// Name identifies the aggregate in merge summaries.
	Name() string

	// CountOwnedBy returns how many items (or, for summation aggregates,
	// what total value) the account currently owns.
	CountOwnedBy(ctx context.Context, accountID uuid.UUID) (int, error)

	// MergeInto moves or sums the source's data into the target and returns
	// the count of newly merged items. Items already present in the target
	// by their natural key are not double-counted.
	MergeInto(ctx context.Context, target, source uuid.UUID) (int, error)
}

// Registry is the fixed, ordered list of aggregates consulted by the
// orchestrator. Order determines summary determinism, not correctness:
// each aggregate's merge is independent.
type Registry struct {
	aggregates []Aggregate
}

// NewRegistry creates a registry with the given aggregates in order.
func NewRegistry(aggregates ...Aggregate) *Registry {
	return &Registry{aggregates: aggregates}
}

// Register appends an aggregate to the registry.
func (r *Registry) Register(a Aggregate) {
	r.aggregates = append(r.aggregates, a)
}

// Aggregates returns the registered aggregates in registration order.
func (r *Registry) Aggregates() []Aggregate {
	return r.aggregates
}
