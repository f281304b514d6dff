package app_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/summeter/summeter/adapters/clock"
	"github.com/summeter/summeter/adapters/memory"
	"github.com/summeter/summeter/app"
	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/ports"
)

// failingPlanStore makes List fail on demand to exercise the stale path.
type failingPlanStore struct {
	ports.PlanStore
	fail bool
}

func (s *failingPlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	if s.fail {
		return nil, fmt.Errorf("list plans: %w", ports.ErrUnavailable)
	}
	return s.PlanStore.List(ctx)
}

func newTestCatalog(t *testing.T, ttl time.Duration) (*app.Catalog, *memory.PlanStore, *clock.Fake) {
	t.Helper()

	store := memory.NewPlanStore()
	ctx := context.Background()
	for _, p := range testPlans() {
		if err := store.Put(ctx, p); err != nil {
			t.Fatalf("seed plan %s: %v", p.Code, err)
		}
	}

	fake := clock.NewFake(baseTime)
	return app.NewCatalog(store, fake, ttl), store, fake
}

func TestCatalog_Get(t *testing.T) {
	ctx := context.Background()
	catalog, _, _ := newTestCatalog(t, time.Second)

	p, err := catalog.Get(ctx, "starter")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Code != "starter" || p.MonthlyCallLimit != 100 {
		t.Errorf("plan = %+v", p)
	}

	if _, err := catalog.Get(ctx, "nope"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("missing plan: err = %v, want ErrNotFound", err)
	}

	// Inactive plans deny the same way missing ones do.
	if _, err := catalog.Get(ctx, "legacy"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("inactive plan: err = %v, want ErrNotFound", err)
	}
}

func TestCatalog_Get_CachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	catalog, store, fake := newTestCatalog(t, 10*time.Second)

	if _, err := catalog.Get(ctx, "starter"); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// Change the store behind the snapshot's back.
	changed := testPlans()[0]
	changed.MonthlyCallLimit = 500
	if err := store.Put(ctx, changed); err != nil {
		t.Fatalf("put: %v", err)
	}

	p, err := catalog.Get(ctx, "starter")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.MonthlyCallLimit != 100 {
		t.Errorf("MonthlyCallLimit = %d, want cached 100", p.MonthlyCallLimit)
	}

	// Past the TTL the next read refetches.
	fake.Advance(11 * time.Second)
	p, err = catalog.Get(ctx, "starter")
	if err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if p.MonthlyCallLimit != 500 {
		t.Errorf("MonthlyCallLimit = %d, want refreshed 500", p.MonthlyCallLimit)
	}
}

func TestCatalog_Invalidate(t *testing.T) {
	ctx := context.Background()
	catalog, store, _ := newTestCatalog(t, time.Hour)

	if _, err := catalog.Get(ctx, "starter"); err != nil {
		t.Fatalf("warm: %v", err)
	}

	changed := testPlans()[0]
	changed.PerMinuteLimit = 50
	if err := store.Put(ctx, changed); err != nil {
		t.Fatalf("put: %v", err)
	}

	catalog.Invalidate()

	p, err := catalog.Get(ctx, "starter")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.PerMinuteLimit != 50 {
		t.Errorf("PerMinuteLimit = %d, want 50 right after invalidate", p.PerMinuteLimit)
	}
}

func TestCatalog_Get_ServesStaleOnRefreshError(t *testing.T) {
	ctx := context.Background()

	inner := memory.NewPlanStore()
	for _, p := range testPlans() {
		if err := inner.Put(ctx, p); err != nil {
			t.Fatalf("seed plan %s: %v", p.Code, err)
		}
	}
	store := &failingPlanStore{PlanStore: inner}
	fake := clock.NewFake(baseTime)
	catalog := app.NewCatalog(store, fake, time.Second)

	if _, err := catalog.Get(ctx, "starter"); err != nil {
		t.Fatalf("warm: %v", err)
	}

	fake.Advance(2 * time.Second)
	store.fail = true

	p, err := catalog.Get(ctx, "starter")
	if err != nil {
		t.Fatalf("Get with failing store: %v", err)
	}
	if p.Code != "starter" {
		t.Errorf("plan = %+v, want stale starter", p)
	}
}

func TestCatalog_Get_FailsWithoutAnySnapshot(t *testing.T) {
	ctx := context.Background()

	store := &failingPlanStore{PlanStore: memory.NewPlanStore(), fail: true}
	catalog := app.NewCatalog(store, clock.NewFake(baseTime), time.Second)

	if _, err := catalog.Get(ctx, "starter"); !errors.Is(err, ports.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestCatalog_Reload(t *testing.T) {
	ctx := context.Background()
	catalog, store, _ := newTestCatalog(t, time.Hour)

	if err := catalog.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	changed := testPlans()[1]
	changed.BatchSizeLimit = 100
	if err := store.Put(ctx, changed); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := catalog.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	p, err := catalog.Get(ctx, "pro")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.BatchSizeLimit != 100 {
		t.Errorf("BatchSizeLimit = %d, want 100", p.BatchSizeLimit)
	}
}
