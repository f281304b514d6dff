package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/domain/pricing"
	"github.com/summeter/summeter/domain/quota"
	"github.com/summeter/summeter/domain/usage"
	"github.com/summeter/summeter/ports"
)

// openRetries bounds the compare-and-set loop around the monthly
// rollover. The calendar month arithmetic lives in Go, so the script
// validates the period it was computed from and the caller retries when
// a concurrent open moved it.
const openRetries = 5

// Window zset members are "<units>|<eventID>" so the admission script can
// sum unit counts without touching the event hashes. Scores are
// microseconds since the epoch: nanoseconds exceed float64's exact
// integer range, microseconds do not.

// openScript is the atomic admission step. It re-checks the duplicate-ID
// guard and every window limit, prices the event from the pre-increment
// count, spends the quota, and records the pending event, all without
// yielding to another command.
//
// KEYS: 1 state hash, 2 window zset, 3 event hash, 4 event log zset,
// 5 global pending zset.
// ARGV: 1 event id, 2 user id, 3 plan code, 4 units, 5 now (micros),
// 6 now (nanos), 7 expected period start (nanos, '' for a fresh user),
// 8 new period start (nanos), 9 reset flag, 10 monthly limit,
// 11 daily limit, 12 per-minute limit, 13 daily window floor (micros),
// 14 minute window floor (micros), 15 discount thresholds (csv),
// 16 candidate costs (csv, index 1 undiscounted).
var openScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {'dup'}
end

local cur = redis.call('HGET', KEYS[1], 'period_start')
if ARGV[7] == '' then
  if cur then return {'race'} end
elseif cur ~= ARGV[7] then
  return {'race'}
end

local units = tonumber(ARGV[4])
local base = 0
if ARGV[9] == '0' then
  base = tonumber(redis.call('HGET', KEYS[1], 'monthly_calls')) or 0
end

if base + units > tonumber(ARGV[10]) then
  return {'deny', 'monthly-limit-exceeded'}
end

redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[13])

local function winsum(floor)
  local total = 0
  local members = redis.call('ZRANGEBYSCORE', KEYS[2], '(' .. floor, ARGV[5])
  for _, m in ipairs(members) do
    total = total + tonumber(string.sub(m, 1, string.find(m, '|', 1, true) - 1))
  end
  return total
end

if winsum(ARGV[13]) + units > tonumber(ARGV[11]) then
  return {'deny', 'daily-limit-exceeded'}
end
if winsum(ARGV[14]) + units > tonumber(ARGV[12]) then
  return {'deny', 'rate-limit-exceeded'}
end

local costs = {}
for item in string.gmatch(ARGV[16], '([^,]+)') do
  costs[#costs + 1] = item
end
local cost = costs[1]
local i = 1
for th in string.gmatch(ARGV[15], '([^,]+)') do
  if tonumber(th) <= base then
    cost = costs[i + 1]
  else
    break
  end
  i = i + 1
end

redis.call('HSET', KEYS[1],
  'user_id', ARGV[2], 'plan_code', ARGV[3], 'period_start', ARGV[8],
  'monthly_calls', base + units, 'last_call_at', ARGV[6], 'updated_at', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[4] .. '|' .. ARGV[1])
redis.call('HSET', KEYS[3],
  'id', ARGV[1], 'user_id', ARGV[2], 'plan_code', ARGV[3],
  'unit_count', ARGV[4], 'state', 'pending', 'cost', cost,
  'tokens_used', 0, 'response_time_ms', 0, 'error_class', '',
  'requested_at', ARGV[6], 'completed_at', 0)
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
redis.call('ZADD', KEYS[5], ARGV[5], ARGV[1])

return {'ok', base + units, cost}
`)

// closeScript moves a pending event to its terminal state via
// compare-and-set on the stored state. Failed events leave the short
// windows, so the member added at open time is removed.
//
// KEYS: 1 event hash, 2 global pending zset, 3 window zset.
// ARGV: 1 target state, 2 closed at (nanos), 3 tokens used,
// 4 response time ms, 5 error class, 6 event id, 7 units.
var closeScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 'missing'
end
if state ~= 'pending' then
  return 'closed'
end

redis.call('HSET', KEYS[1],
  'state', ARGV[1], 'completed_at', ARGV[2], 'response_time_ms', ARGV[4])
if ARGV[1] == 'completed' then
  redis.call('HSET', KEYS[1], 'tokens_used', ARGV[3])
else
  redis.call('HSET', KEYS[1], 'error_class', ARGV[5])
  redis.call('ZREM', KEYS[3], ARGV[7] .. '|' .. ARGV[6])
end
redis.call('ZREM', KEYS[2], ARGV[6])
return 'ok'
`)

// refundScript returns units to the monthly counter, clamped at zero.
// The compare-and-set on period_start keeps a refund from leaking into a
// month that rolled over between the caller's read and this write.
//
// KEYS: 1 state hash. ARGV: 1 expected period start (nanos), 2 units.
var refundScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'period_start')
if not cur or cur ~= ARGV[1] then
  return 'race'
end
local left = tonumber(redis.call('HGET', KEYS[1], 'monthly_calls')) or 0
left = left - tonumber(ARGV[2])
if left < 0 then
  left = 0
end
redis.call('HSET', KEYS[1], 'monthly_calls', left)
return 'ok'
`)

// Ledger implements ports.Ledger on Redis.
type Ledger struct {
	c *Client
}

// NewLedger creates a Redis-backed ledger.
func NewLedger(c *Client) *Ledger {
	return &Ledger{c: c}
}

// State returns the raw monthly counter row; the zero State for unknown
// users.
func (l *Ledger) State(ctx context.Context, userID string) (quota.State, error) {
	h, err := l.c.rdb.HGetAll(ctx, stateKey(userID)).Result()
	if err != nil {
		return quota.State{}, unavailable("load quota state", err)
	}
	if len(h) == 0 {
		return quota.State{}, nil
	}
	st, err := parseState(userID, h)
	if err != nil {
		return quota.State{}, unavailable("load quota state", err)
	}
	return st, nil
}

// Counts derives the short-window counts from the window zset. One range
// read covers both windows; the minute tally filters by score.
func (l *Ledger) Counts(ctx context.Context, userID string, now time.Time) (quota.WindowCounts, error) {
	now = now.UTC()
	dayFloor := now.Add(-quota.DailyWindow).UnixMicro()
	minuteFloor := now.Add(-quota.MinuteWindow).UnixMicro()

	zs, err := l.c.rdb.ZRangeByScoreWithScores(ctx, windowKey(userID), &goredis.ZRangeBy{
		Min: exclusiveScore(dayFloor),
		Max: strconv.FormatInt(now.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return quota.WindowCounts{}, unavailable("count windows", err)
	}

	var wc quota.WindowCounts
	for _, z := range zs {
		member, _ := z.Member.(string)
		units, err := memberUnits(member)
		if err != nil {
			return quota.WindowCounts{}, unavailable("count windows", err)
		}
		wc.Daily += units
		if int64(z.Score) > minuteFloor {
			wc.PerMinute += units
		}
	}
	return wc, nil
}

// OpenPending runs the whole admission protocol inside one script
// execution: roll the month, re-check every window, price from the
// pre-increment count, spend the quota, and record the pending event.
// Scripts run single-threaded, so the counter can never pass its limit.
// Only the rollover decision happens in Go; the script compare-and-sets
// on the period it was computed from and the loop retries a lost race.
func (l *Ledger) OpenPending(ctx context.Context, ev usage.Event, p plan.Plan) (quota.State, usage.Event, error) {
	now := ev.RequestedAt.UTC()
	ev.RequestedAt = now

	thresholds, costs := tierTable(p, ev.UnitCount)
	keys := []string{stateKey(ev.UserID), windowKey(ev.UserID), eventKey(ev.ID), logKey(ev.UserID), pendingKey}

	for attempt := 0; attempt < openRetries; attempt++ {
		st, err := l.State(ctx, ev.UserID)
		if err != nil {
			return quota.State{}, usage.Event{}, err
		}

		rolled := quota.Rolled(st, now)
		expected := ""
		if !st.PeriodStart.IsZero() {
			expected = strconv.FormatInt(st.PeriodStart.UnixNano(), 10)
		}
		reset := "0"
		if !rolled.PeriodStart.Equal(st.PeriodStart) {
			reset = "1"
		}

		res, err := openScript.Run(ctx, l.c.rdb, keys,
			ev.ID, ev.UserID, p.Code, ev.UnitCount,
			now.UnixMicro(), now.UnixNano(),
			expected, strconv.FormatInt(rolled.PeriodStart.UnixNano(), 10), reset,
			p.MonthlyCallLimit, p.DailyCallLimit, p.PerMinuteLimit,
			now.Add(-quota.DailyWindow).UnixMicro(), now.Add(-quota.MinuteWindow).UnixMicro(),
			thresholds, costs,
		).Result()
		if err != nil {
			return quota.State{}, usage.Event{}, unavailable("open pending", err)
		}

		reply, ok := res.([]interface{})
		if !ok || len(reply) == 0 {
			return quota.State{}, usage.Event{}, unavailable("open pending", fmt.Errorf("unexpected script reply %v", res))
		}

		switch reply[0] {
		case "dup":
			return quota.State{}, usage.Event{}, fmt.Errorf("open event %s: %w: duplicate id", ev.ID, ports.ErrInvalid)

		case "race":
			continue

		case "deny":
			reason, _ := reply[1].(string)
			return quota.State{}, usage.Event{}, &ports.LimitError{Reason: reason}

		case "ok":
			calls, ok := reply[1].(int64)
			if !ok {
				return quota.State{}, usage.Event{}, unavailable("open pending", fmt.Errorf("unexpected count reply %v", reply[1]))
			}
			costStr, _ := reply[2].(string)
			cost, err := decimal.NewFromString(costStr)
			if err != nil {
				return quota.State{}, usage.Event{}, unavailable("open pending", fmt.Errorf("parse cost %q: %w", costStr, err))
			}

			st = rolled
			st.UserID = ev.UserID
			st.PlanCode = p.Code
			st.MonthlyCalls = calls
			st.LastCallAt = now
			st.UpdatedAt = now

			ev.Cost = cost
			return st, ev, nil

		default:
			return quota.State{}, usage.Event{}, unavailable("open pending", fmt.Errorf("unexpected script status %v", reply[0]))
		}
	}
	return quota.State{}, usage.Event{}, unavailable("open pending", errors.New("period rollover contention"))
}

// CloseEvent moves a pending event to completed or failed. The script
// compare-and-sets on the pending state, so exactly one closer wins a
// race.
func (l *Ledger) CloseEvent(ctx context.Context, eventID string, to usage.EventState, c usage.Closure, at time.Time) (usage.Event, error) {
	if !usage.CanTransition(usage.StatePending, to) {
		return usage.Event{}, fmt.Errorf("close event %s: %w: bad target state %q", eventID, ports.ErrInvalid, to)
	}

	e, err := l.Event(ctx, eventID)
	if err != nil {
		return usage.Event{}, err
	}
	if !e.Open() {
		return usage.Event{}, fmt.Errorf("close event %s: %w", eventID, ports.ErrAlreadyClosed)
	}

	closed := usage.Closed(e, to, c, at.UTC())
	res, err := closeScript.Run(ctx, l.c.rdb,
		[]string{eventKey(eventID), pendingKey, windowKey(e.UserID)},
		string(to), closed.CompletedAt.UnixNano(), closed.TokensUsed, closed.ResponseTimeMs,
		closed.ErrorClass, eventID, e.UnitCount,
	).Result()
	if err != nil {
		return usage.Event{}, unavailable("close event", err)
	}

	switch res {
	case "ok":
		return closed, nil
	case "closed":
		return usage.Event{}, fmt.Errorf("close event %s: %w", eventID, ports.ErrAlreadyClosed)
	case "missing":
		return usage.Event{}, fmt.Errorf("close event %s: %w", eventID, ports.ErrNotFound)
	}
	return usage.Event{}, unavailable("close event", fmt.Errorf("unexpected script reply %v", res))
}

// Refund returns units to the monthly counter when the originating event
// still belongs to the current period. A rolled-over period means the
// counter was already reset; refunding it would corrupt the new month.
func (l *Ledger) Refund(ctx context.Context, userID string, units int64, requestedAt time.Time) error {
	for attempt := 0; attempt < openRetries; attempt++ {
		st, err := l.State(ctx, userID)
		if err != nil {
			return err
		}
		if st.PeriodStart.IsZero() || !quota.InPeriod(st, requestedAt) {
			return nil
		}

		res, err := refundScript.Run(ctx, l.c.rdb, []string{stateKey(userID)},
			strconv.FormatInt(st.PeriodStart.UnixNano(), 10), units).Result()
		if err != nil {
			return unavailable("refund", err)
		}
		if res == "ok" {
			return nil
		}
	}
	return unavailable("refund", errors.New("period rollover contention"))
}

// Event retrieves one event by ID.
func (l *Ledger) Event(ctx context.Context, eventID string) (usage.Event, error) {
	h, err := l.c.rdb.HGetAll(ctx, eventKey(eventID)).Result()
	if err != nil {
		return usage.Event{}, unavailable("load event", err)
	}
	if len(h) == 0 {
		return usage.Event{}, fmt.Errorf("event %s: %w", eventID, ports.ErrNotFound)
	}
	e, err := parseEvent(h)
	if err != nil {
		return usage.Event{}, unavailable("load event", err)
	}
	return e, nil
}

// RecentEvents returns the user's newest events, newest first.
func (l *Ledger) RecentEvents(ctx context.Context, userID string, limit int) ([]usage.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := l.c.rdb.ZRevRange(ctx, logKey(userID), 0, stop).Result()
	if err != nil {
		return nil, unavailable("list events", err)
	}
	return l.loadEvents(ctx, ids, nil)
}

// StalePending returns pending events requested before olderThan, oldest
// first, capped at limit.
func (l *Ledger) StalePending(ctx context.Context, olderThan time.Time, limit int) ([]usage.Event, error) {
	rng := &goredis.ZRangeBy{Min: "-inf", Max: exclusiveScore(olderThan.UTC().UnixMicro())}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := l.c.rdb.ZRangeByScore(ctx, pendingKey, rng).Result()
	if err != nil {
		return nil, unavailable("list stale pending", err)
	}
	// An entry can close between the index read and the hash fetch; only
	// still-open events belong to the reaper.
	return l.loadEvents(ctx, ids, usage.Event.Open)
}

// Summarize aggregates the user's events with requestedAt in [start, end).
func (l *Ledger) Summarize(ctx context.Context, userID string, start, end time.Time) (usage.Summary, error) {
	ids, err := l.c.rdb.ZRangeByScore(ctx, logKey(userID), &goredis.ZRangeBy{
		Min: strconv.FormatInt(start.UTC().UnixMicro(), 10),
		Max: exclusiveScore(end.UTC().UnixMicro()),
	}).Result()
	if err != nil {
		return usage.Summary{}, unavailable("summarize usage", err)
	}

	in, err := l.loadEvents(ctx, ids, nil)
	if err != nil {
		return usage.Summary{}, err
	}

	s := usage.Aggregate(in, start, end)
	s.UserID = userID
	return s, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// loadEvents fetches a batch of event hashes in one round trip and
// filters with keep when it is non-nil.
func (l *Ledger) loadEvents(ctx context.Context, ids []string, keep func(usage.Event) bool) ([]usage.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := l.c.rdb.Pipeline()
	cmds := make([]*goredis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, eventKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("load events", err)
	}

	out := make([]usage.Event, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		e, err := parseEvent(h)
		if err != nil {
			return nil, unavailable("load events", err)
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// tierTable flattens the plan's discount schedule for the admission
// script: a CSV of thresholds and a CSV of candidate total costs for
// units calls, so the script picks a precomputed decimal instead of
// multiplying.
func tierTable(p plan.Plan, units int64) (thresholds, costs string) {
	ths := make([]string, 0, len(p.VolumeDiscounts))
	for _, t := range p.VolumeDiscounts {
		ths = append(ths, strconv.FormatInt(t.CallThreshold, 10))
	}
	cs := make([]string, 0, len(p.VolumeDiscounts)+1)
	for _, c := range pricing.TierCosts(p, units) {
		cs = append(cs, c.String())
	}
	return strings.Join(ths, ","), strings.Join(cs, ",")
}

func parseState(userID string, h map[string]string) (quota.State, error) {
	st := quota.State{UserID: userID, PlanCode: h["plan_code"]}

	var err error
	if st.MonthlyCalls, err = strconv.ParseInt(h["monthly_calls"], 10, 64); err != nil {
		return quota.State{}, fmt.Errorf("parse monthly_calls %q: %w", h["monthly_calls"], err)
	}
	if st.PeriodStart, err = nanoTime(h["period_start"]); err != nil {
		return quota.State{}, fmt.Errorf("parse period_start %q: %w", h["period_start"], err)
	}
	if st.LastCallAt, err = nanoTime(h["last_call_at"]); err != nil {
		return quota.State{}, fmt.Errorf("parse last_call_at %q: %w", h["last_call_at"], err)
	}
	if st.UpdatedAt, err = nanoTime(h["updated_at"]); err != nil {
		return quota.State{}, fmt.Errorf("parse updated_at %q: %w", h["updated_at"], err)
	}
	return st, nil
}

func parseEvent(h map[string]string) (usage.Event, error) {
	e := usage.Event{
		ID:         h["id"],
		UserID:     h["user_id"],
		PlanCode:   h["plan_code"],
		State:      usage.EventState(h["state"]),
		ErrorClass: h["error_class"],
	}

	var err error
	if e.UnitCount, err = strconv.ParseInt(h["unit_count"], 10, 64); err != nil {
		return usage.Event{}, fmt.Errorf("parse unit_count %q: %w", h["unit_count"], err)
	}
	if e.Cost, err = decimal.NewFromString(h["cost"]); err != nil {
		return usage.Event{}, fmt.Errorf("parse cost %q: %w", h["cost"], err)
	}
	if e.TokensUsed, err = strconv.ParseInt(h["tokens_used"], 10, 64); err != nil {
		return usage.Event{}, fmt.Errorf("parse tokens_used %q: %w", h["tokens_used"], err)
	}
	if e.ResponseTimeMs, err = strconv.ParseInt(h["response_time_ms"], 10, 64); err != nil {
		return usage.Event{}, fmt.Errorf("parse response_time_ms %q: %w", h["response_time_ms"], err)
	}
	if e.RequestedAt, err = nanoTime(h["requested_at"]); err != nil {
		return usage.Event{}, fmt.Errorf("parse requested_at %q: %w", h["requested_at"], err)
	}
	if e.CompletedAt, err = nanoTime(h["completed_at"]); err != nil {
		return usage.Event{}, fmt.Errorf("parse completed_at %q: %w", h["completed_at"], err)
	}
	return e, nil
}

// nanoTime parses a UnixNano hash field; zero means unset.
func nanoTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n).UTC(), nil
}

// memberUnits extracts the unit count from a "<units>|<eventID>" window
// member.
func memberUnits(member string) (int64, error) {
	i := strings.IndexByte(member, '|')
	if i < 0 {
		return 0, fmt.Errorf("malformed window member %q", member)
	}
	return strconv.ParseInt(member[:i], 10, 64)
}

func exclusiveScore(v int64) string {
	return "(" + strconv.FormatInt(v, 10)
}

// Ensure interface compliance.
var _ ports.Ledger = (*Ledger)(nil)
