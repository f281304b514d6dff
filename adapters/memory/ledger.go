package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/summeter/summeter/domain/admission"
	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/domain/quota"
	"github.com/summeter/summeter/domain/usage"
	"github.com/summeter/summeter/ports"
)

// ledgerShard holds the counters and event log for a slice of the user
// population. Everything for one user lives in one shard, so the atomic
// admission step is a single shard-lock critical section.
type ledgerShard struct {
	mu     sync.RWMutex
	states map[string]quota.State   // by user ID
	events map[string][]usage.Event // by user ID, append order
}

// eventLoc locates an event inside its owner's log.
type eventLoc struct {
	userID string
	pos    int
}

// Ledger is a sharded in-memory implementation of ports.Ledger. Sharding
// by user keeps admission contention per-user rather than global. Events
// are retained for the process lifetime; durable retention is the sqlite
// adapter's job.
type Ledger struct {
	shards    []*ledgerShard
	numShards int

	idxMu sync.RWMutex
	idx   map[string]eventLoc // event ID -> location
}

// LedgerConfig configures the in-memory ledger.
type LedgerConfig struct {
	NumShards int // default: 32
}

// NewLedger creates a sharded in-memory ledger.
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}

	l := &Ledger{
		shards:    make([]*ledgerShard, cfg.NumShards),
		numShards: cfg.NumShards,
		idx:       make(map[string]eventLoc),
	}
	for i := range l.shards {
		l.shards[i] = &ledgerShard{
			states: make(map[string]quota.State),
			events: make(map[string][]usage.Event),
		}
	}
	return l
}

// getShard returns the shard owning a user's rows.
func (l *Ledger) getShard(userID string) *ledgerShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return l.shards[h.Sum32()%uint32(l.numShards)]
}

// State returns the raw monthly counter row; the zero State for unknown
// users.
func (l *Ledger) State(ctx context.Context, userID string) (quota.State, error) {
	shard := l.getShard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.states[userID], nil
}

// Counts derives the short-window counts from the user's event log.
func (l *Ledger) Counts(ctx context.Context, userID string, now time.Time) (quota.WindowCounts, error) {
	shard := l.getShard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return windowCounts(shard.events[userID], now), nil
}

// OpenPending runs the whole admission protocol inside the user's shard
// lock: roll the month, re-check every window, price from the
// pre-increment count, spend the quota, and append the pending event. No
// interleaving is possible, so the counter can never pass its limit.
func (l *Ledger) OpenPending(ctx context.Context, ev usage.Event, p plan.Plan) (quota.State, usage.Event, error) {
	shard := l.getShard(ev.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	l.idxMu.RLock()
	_, dup := l.idx[ev.ID]
	l.idxMu.RUnlock()
	if dup {
		return quota.State{}, usage.Event{}, fmt.Errorf("open event %s: %w: duplicate id", ev.ID, ports.ErrInvalid)
	}

	now := ev.RequestedAt
	st := quota.Rolled(shard.states[ev.UserID], now)
	counts := windowCounts(shard.events[ev.UserID], now)

	d := admission.Evaluate(p, st, counts, ev.UnitCount)
	if !d.Allow {
		return quota.State{}, usage.Event{}, &ports.LimitError{Reason: d.Reason}
	}

	ev.Cost = d.Cost
	st.UserID = ev.UserID
	st.PlanCode = p.Code
	st.MonthlyCalls += ev.UnitCount
	st.LastCallAt = now
	st.UpdatedAt = now
	shard.states[ev.UserID] = st

	shard.events[ev.UserID] = append(shard.events[ev.UserID], ev)

	// Index write stays inside the shard critical section so any reader
	// that can see the event can also resolve its ID.
	l.idxMu.Lock()
	l.idx[ev.ID] = eventLoc{userID: ev.UserID, pos: len(shard.events[ev.UserID]) - 1}
	l.idxMu.Unlock()

	return st, ev, nil
}

// CloseEvent moves a pending event to its terminal state via
// compare-and-set on the pending state.
func (l *Ledger) CloseEvent(ctx context.Context, eventID string, to usage.EventState, c usage.Closure, at time.Time) (usage.Event, error) {
	if !usage.CanTransition(usage.StatePending, to) {
		return usage.Event{}, fmt.Errorf("close event %s: %w: bad target state %q", eventID, ports.ErrInvalid, to)
	}

	loc, ok := l.lookup(eventID)
	if !ok {
		return usage.Event{}, fmt.Errorf("close event %s: %w", eventID, ports.ErrNotFound)
	}

	shard := l.getShard(loc.userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	evs := shard.events[loc.userID]
	e := evs[loc.pos]
	if !usage.CanTransition(e.State, to) {
		return usage.Event{}, fmt.Errorf("close event %s: %w", eventID, ports.ErrAlreadyClosed)
	}

	closed := usage.Closed(e, to, c, at)
	evs[loc.pos] = closed
	return closed, nil
}

// Refund returns units to the monthly counter when the originating event
// still belongs to the current period. A rolled-over period means the
// counter was already reset; refunding it would corrupt the new month.
func (l *Ledger) Refund(ctx context.Context, userID string, units int64, requestedAt time.Time) error {
	shard := l.getShard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	st, ok := shard.states[userID]
	if !ok || !quota.InPeriod(st, requestedAt) {
		return nil
	}

	st.MonthlyCalls = max(0, st.MonthlyCalls-units)
	shard.states[userID] = st
	return nil
}

// Event retrieves one event by ID.
func (l *Ledger) Event(ctx context.Context, eventID string) (usage.Event, error) {
	loc, ok := l.lookup(eventID)
	if !ok {
		return usage.Event{}, fmt.Errorf("event %s: %w", eventID, ports.ErrNotFound)
	}

	shard := l.getShard(loc.userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.events[loc.userID][loc.pos], nil
}

// RecentEvents returns the user's newest events, newest first.
func (l *Ledger) RecentEvents(ctx context.Context, userID string, limit int) ([]usage.Event, error) {
	shard := l.getShard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	evs := shard.events[userID]
	if limit <= 0 || limit > len(evs) {
		limit = len(evs)
	}

	out := make([]usage.Event, 0, limit)
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, evs[i])
	}
	return out, nil
}

// StalePending returns pending events requested before olderThan, oldest
// first, capped at limit.
func (l *Ledger) StalePending(ctx context.Context, olderThan time.Time, limit int) ([]usage.Event, error) {
	var out []usage.Event
	for _, shard := range l.shards {
		shard.mu.RLock()
		for _, evs := range shard.events {
			for _, e := range evs {
				if e.Open() && e.RequestedAt.Before(olderThan) {
					out = append(out, e)
				}
			}
		}
		shard.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Summarize aggregates the user's events with requestedAt in [start, end).
func (l *Ledger) Summarize(ctx context.Context, userID string, start, end time.Time) (usage.Summary, error) {
	shard := l.getShard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	var in []usage.Event
	for _, e := range shard.events[userID] {
		if !e.RequestedAt.Before(start) && e.RequestedAt.Before(end) {
			in = append(in, e)
		}
	}

	s := usage.Aggregate(in, start, end)
	s.UserID = userID
	return s, nil
}

// lookup resolves an event ID without holding any shard lock.
func (l *Ledger) lookup(eventID string) (eventLoc, bool) {
	l.idxMu.RLock()
	defer l.idxMu.RUnlock()
	loc, ok := l.idx[eventID]
	return loc, ok
}

// windowCounts tallies the short windows from one user's event log.
func windowCounts(evs []usage.Event, now time.Time) quota.WindowCounts {
	var wc quota.WindowCounts
	for _, e := range evs {
		if e.InWindow(quota.DailyWindow, now) {
			wc.Daily += e.UnitCount
			if e.InWindow(quota.MinuteWindow, now) {
				wc.PerMinute += e.UnitCount
			}
		}
	}
	return wc
}

// Clear removes all state (for testing).
func (l *Ledger) Clear() {
	for _, shard := range l.shards {
		shard.mu.Lock()
		shard.states = make(map[string]quota.State)
		shard.events = make(map[string][]usage.Event)
		shard.mu.Unlock()
	}
	l.idxMu.Lock()
	l.idx = make(map[string]eventLoc)
	l.idxMu.Unlock()
}

// Len returns the total event count across all shards (for testing).
func (l *Ledger) Len() int {
	total := 0
	for _, shard := range l.shards {
		shard.mu.RLock()
		for _, evs := range shard.events {
			total += len(evs)
		}
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.Ledger = (*Ledger)(nil)
