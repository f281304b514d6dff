package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/ports"
)

// PlanStore is an in-memory implementation of ports.PlanStore. The catalog
// is small and read-mostly; a single RWMutex is enough.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]plan.Plan
}

// NewPlanStore creates an empty in-memory plan store.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]plan.Plan)}
}

// Get retrieves a plan by code, active or not.
func (s *PlanStore) Get(ctx context.Context, code string) (plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[code]
	if !ok {
		return plan.Plan{}, fmt.Errorf("plan %s: %w", code, ports.ErrNotFound)
	}
	return p, nil
}

// List returns all plans ordered by code.
func (s *PlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Put creates or replaces a plan. Code is the key, so the one-active-plan-
// per-code invariant holds structurally.
func (s *PlanStore) Put(ctx context.Context, p plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.Code] = p
	return nil
}

// Delete removes a plan.
func (s *PlanStore) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[code]; !ok {
		return fmt.Errorf("plan %s: %w", code, ports.ErrNotFound)
	}
	delete(s.plans, code)
	return nil
}

// Clear removes all plans (for testing).
func (s *PlanStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = make(map[string]plan.Plan)
}

// Len returns the number of stored plans (for testing).
func (s *PlanStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plans)
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
