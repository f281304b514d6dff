package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/ports"
)

// PlanStore implements ports.PlanStore on Redis. Each plan is one JSON
// value keyed by code, with a set of codes backing List. Decimals travel
// as strings so prices stay exact.
type PlanStore struct {
	c *Client
}

// NewPlanStore creates a Redis-backed plan store.
func NewPlanStore(c *Client) *PlanStore {
	return &PlanStore{c: c}
}

// Get retrieves a plan by code, active or not.
func (s *PlanStore) Get(ctx context.Context, code string) (plan.Plan, error) {
	raw, err := s.c.rdb.Get(ctx, planKey(code)).Result()
	if err == goredis.Nil {
		return plan.Plan{}, fmt.Errorf("plan %s: %w", code, ports.ErrNotFound)
	}
	if err != nil {
		return plan.Plan{}, unavailable("load plan", err)
	}
	p, err := decodePlan(raw)
	if err != nil {
		return plan.Plan{}, unavailable("load plan", err)
	}
	return p, nil
}

// List returns all plans ordered by code.
func (s *PlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	codes, err := s.c.rdb.SMembers(ctx, planCodesKey).Result()
	if err != nil {
		return nil, unavailable("list plans", err)
	}
	if len(codes) == 0 {
		return nil, nil
	}
	sort.Strings(codes)

	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = planKey(code)
	}
	vals, err := s.c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list plans", err)
	}

	out := make([]plan.Plan, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // code without a document, deleted mid-read
		}
		p, err := decodePlan(raw)
		if err != nil {
			return nil, unavailable("list plans", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Put creates or replaces a plan. The value write and the code-set add
// land together in one transaction.
func (s *PlanStore) Put(ctx context.Context, p plan.Plan) error {
	raw, err := encodePlan(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	pipe := s.c.rdb.TxPipeline()
	pipe.Set(ctx, planKey(p.Code), raw, 0)
	pipe.SAdd(ctx, planCodesKey, p.Code)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put plan", err)
	}
	return nil
}

// Delete removes a plan.
func (s *PlanStore) Delete(ctx context.Context, code string) error {
	pipe := s.c.rdb.TxPipeline()
	del := pipe.Del(ctx, planKey(code))
	pipe.SRem(ctx, planCodesKey, code)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete plan", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("plan %s: %w", code, ports.ErrNotFound)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Document mapping
// -----------------------------------------------------------------------------

// planDoc is the stored JSON shape of a plan.
type planDoc struct {
	Code             string        `json:"code"`
	Name             string        `json:"name"`
	MonthlyCallLimit int64         `json:"monthly_call_limit"`
	DailyCallLimit   int64         `json:"daily_call_limit"`
	PerMinuteLimit   int64         `json:"per_minute_limit"`
	BatchSizeLimit   int           `json:"batch_size_limit"`
	PricePerCall     string        `json:"price_per_call"`
	VolumeDiscounts  []discountDoc `json:"volume_discounts,omitempty"`
	Features         []string      `json:"features,omitempty"`
	Active           bool          `json:"active"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// discountDoc is the JSON shape of one volume-discount tier.
type discountDoc struct {
	CallThreshold int64  `json:"call_threshold"`
	Multiplier    string `json:"multiplier"`
}

func encodePlan(p plan.Plan) ([]byte, error) {
	doc := planDoc{
		Code:             p.Code,
		Name:             p.Name,
		MonthlyCallLimit: p.MonthlyCallLimit,
		DailyCallLimit:   p.DailyCallLimit,
		PerMinuteLimit:   p.PerMinuteLimit,
		BatchSizeLimit:   p.BatchSizeLimit,
		PricePerCall:     p.PricePerCall.String(),
		Active:           p.Active,
		UpdatedAt:        p.UpdatedAt.UTC(),
	}
	for _, t := range p.VolumeDiscounts {
		doc.VolumeDiscounts = append(doc.VolumeDiscounts, discountDoc{
			CallThreshold: t.CallThreshold,
			Multiplier:    t.Multiplier.String(),
		})
	}
	for name, on := range p.Features {
		if on {
			doc.Features = append(doc.Features, name)
		}
	}
	sort.Strings(doc.Features)
	return json.Marshal(doc)
}

func decodePlan(raw string) (plan.Plan, error) {
	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return plan.Plan{}, fmt.Errorf("decode plan: %w", err)
	}

	p := plan.Plan{
		Code:             doc.Code,
		Name:             doc.Name,
		MonthlyCallLimit: doc.MonthlyCallLimit,
		DailyCallLimit:   doc.DailyCallLimit,
		PerMinuteLimit:   doc.PerMinuteLimit,
		BatchSizeLimit:   doc.BatchSizeLimit,
		Active:           doc.Active,
		UpdatedAt:        doc.UpdatedAt,
	}

	var err error
	if p.PricePerCall, err = decimal.NewFromString(doc.PricePerCall); err != nil {
		return plan.Plan{}, fmt.Errorf("parse price %q: %w", doc.PricePerCall, err)
	}
	for _, d := range doc.VolumeDiscounts {
		m, err := decimal.NewFromString(d.Multiplier)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("parse multiplier %q: %w", d.Multiplier, err)
		}
		p.VolumeDiscounts = append(p.VolumeDiscounts, plan.DiscountTier{CallThreshold: d.CallThreshold, Multiplier: m})
	}
	if len(doc.Features) > 0 {
		p.Features = make(map[string]bool, len(doc.Features))
		for _, name := range doc.Features {
			p.Features[name] = true
		}
	}
	return p, nil
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
