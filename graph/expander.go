package graph

import (
	"context"

	"github.com/google/uuid"

	"github.com/mnemo-dev/mnemo/store"
)

// DefaultBudget caps related events when the caller does not specify one.
const DefaultBudget = 10

// MaxBudget is the hard ceiling on related events per expansion.
const MaxBudget = 50

// Expander walks one hop out from a seed event set through shared actors and
// subjects.
type Expander struct {
	store *store.Store
}

// NewExpander creates an Expander.
func NewExpander(s *store.Store) *Expander {
	return &Expander{store: s}
}

// Expand returns events reachable from the seeds through a shared entity,
// newest first, capped by budget. Each result carries the reason it was
// reached. Seed events never appear in the output.
func (e *Expander) Expand(ctx context.Context, seeds []uuid.UUID, categories []string, budget int) ([]store.RelatedEvent, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if budget > MaxBudget {
		budget = MaxBudget
	}
	return e.store.RelatedEvents(ctx, seeds, categories, budget)
}
