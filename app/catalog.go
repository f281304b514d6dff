package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/ports"
)

// DefaultCatalogTTL bounds how stale an admission-path plan read can be.
const DefaultCatalogTTL = 10 * time.Second

// Catalog serves plan lookups for the admission path from an in-memory
// snapshot, so per-request reads never hit plan storage. The snapshot
// refreshes lazily once older than the TTL and is dropped outright when an
// admin write lands.
type Catalog struct {
	store ports.PlanStore
	clock ports.Clock
	ttl   time.Duration

	// mu serializes refreshes; reads go straight through the pointer.
	mu    sync.Mutex
	cache atomic.Pointer[planCache]
}

// planCache is one immutable snapshot of the catalog.
type planCache struct {
	plans       map[string]plan.Plan
	refreshedAt time.Time
}

// NewCatalog creates a plan catalog over store. A non-positive ttl falls
// back to DefaultCatalogTTL.
func NewCatalog(store ports.PlanStore, clock ports.Clock, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &Catalog{store: store, clock: clock, ttl: ttl}
}

// Get resolves an active plan by code. Missing and inactive plans are both
// ports.ErrNotFound: a disabled tier denies admission the same way an
// unknown one does.
func (c *Catalog) Get(ctx context.Context, code string) (plan.Plan, error) {
	now := c.clock.Now()

	snap := c.cache.Load()
	if snap == nil || now.Sub(snap.refreshedAt) > c.ttl {
		fresh, err := c.refresh(ctx, now)
		if fresh == nil {
			return plan.Plan{}, err
		}
		// Refresh failed but an older snapshot exists: serve it stale.
		// Seconds-old limits beat denying every call over a storage blip.
		snap = fresh
	}

	p, ok := snap.plans[code]
	if !ok || !p.Active {
		return plan.Plan{}, fmt.Errorf("plan %q: %w", code, ports.ErrNotFound)
	}
	return p, nil
}

// Reload rebuilds the snapshot now. Bootstrap warms the catalog with it so
// the first request never pays the load.
func (c *Catalog) Reload(ctx context.Context) error {
	c.Invalidate()
	_, err := c.refresh(ctx, c.clock.Now())
	return err
}

// Invalidate drops the snapshot so the next read refetches immediately.
// Admin writes call this to make catalog edits visible within a request,
// not a TTL.
func (c *Catalog) Invalidate() {
	c.cache.Store(nil)
}

// refresh reloads the snapshot, serializing concurrent refreshers so a
// thundering herd does a single List. On storage failure it returns the
// previous snapshot (nil before the first load) alongside the error.
func (c *Catalog) refresh(ctx context.Context, now time.Time) (*planCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while this one waited on the lock.
	if snap := c.cache.Load(); snap != nil && now.Sub(snap.refreshedAt) <= c.ttl {
		return snap, nil
	}

	plans, err := c.store.List(ctx)
	if err != nil {
		return c.cache.Load(), err
	}

	byCode := make(map[string]plan.Plan, len(plans))
	for _, p := range plans {
		byCode[p.Code] = p
	}

	snap := &planCache{plans: byCode, refreshedAt: now}
	c.cache.Store(snap)
	return snap, nil
}
