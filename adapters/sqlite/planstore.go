package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/ports"
)

// PlanStore implements ports.PlanStore on SQLite. Discount tables and
// feature flags are small nested values, stored as JSON columns; decimals
// travel as strings so prices stay exact.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a SQLite plan store.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

const selectPlan = `
	SELECT code, name, monthly_call_limit, daily_call_limit, per_minute_limit,
	       batch_size_limit, price_per_call, volume_discounts, features, active, updated_at
	FROM plans`

// Get retrieves a plan by code, active or not.
func (s *PlanStore) Get(ctx context.Context, code string) (plan.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, selectPlan+` WHERE code = ?`, code))
	if err == sql.ErrNoRows {
		return plan.Plan{}, fmt.Errorf("plan %s: %w", code, ports.ErrNotFound)
	}
	if err != nil {
		return plan.Plan{}, unavailable("load plan", err)
	}
	return p, nil
}

// List returns all plans ordered by code.
func (s *PlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	rows, err := s.db.QueryContext(ctx, selectPlan+` ORDER BY code ASC`)
	if err != nil {
		return nil, unavailable("list plans", err)
	}
	defer rows.Close()

	var out []plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, unavailable("scan plan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list plans", err)
	}
	return out, nil
}

// Put creates or replaces a plan.
func (s *PlanStore) Put(ctx context.Context, p plan.Plan) error {
	discounts, err := json.Marshal(discountRows(p.VolumeDiscounts))
	if err != nil {
		return fmt.Errorf("encode discounts: %w", err)
	}
	features, err := json.Marshal(featureNames(p.Features))
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (code, name, monthly_call_limit, daily_call_limit, per_minute_limit,
		                   batch_size_limit, price_per_call, volume_discounts, features, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name               = excluded.name,
			monthly_call_limit = excluded.monthly_call_limit,
			daily_call_limit   = excluded.daily_call_limit,
			per_minute_limit   = excluded.per_minute_limit,
			batch_size_limit   = excluded.batch_size_limit,
			price_per_call     = excluded.price_per_call,
			volume_discounts   = excluded.volume_discounts,
			features           = excluded.features,
			active             = excluded.active,
			updated_at         = excluded.updated_at
	`, p.Code, p.Name, p.MonthlyCallLimit, p.DailyCallLimit, p.PerMinuteLimit,
		p.BatchSizeLimit, p.PricePerCall.String(), string(discounts), string(features),
		p.Active, p.UpdatedAt.UTC())
	if err != nil {
		return unavailable("put plan", err)
	}
	return nil
}

// Delete removes a plan.
func (s *PlanStore) Delete(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE code = ?`, code)
	if err != nil {
		return unavailable("delete plan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("delete plan", err)
	}
	if n == 0 {
		return fmt.Errorf("plan %s: %w", code, ports.ErrNotFound)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Row mapping
// -----------------------------------------------------------------------------

// discountRow is the JSON shape of one volume-discount tier.
type discountRow struct {
	CallThreshold int64  `json:"call_threshold"`
	Multiplier    string `json:"multiplier"`
}

func discountRows(tiers []plan.DiscountTier) []discountRow {
	out := make([]discountRow, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, discountRow{CallThreshold: t.CallThreshold, Multiplier: t.Multiplier.String()})
	}
	return out
}

// featureNames flattens the enabled feature flags to a sorted name list.
func featureNames(features map[string]bool) []string {
	out := make([]string, 0, len(features))
	for name, on := range features {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func scanPlan(row rowScanner) (plan.Plan, error) {
	var (
		p         plan.Plan
		price     string
		discounts string
		features  string
	)
	if err := row.Scan(&p.Code, &p.Name, &p.MonthlyCallLimit, &p.DailyCallLimit, &p.PerMinuteLimit,
		&p.BatchSizeLimit, &price, &discounts, &features, &p.Active, &p.UpdatedAt); err != nil {
		return plan.Plan{}, err
	}

	var err error
	p.PricePerCall, err = decimal.NewFromString(price)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("parse price %q: %w", price, err)
	}

	var rows []discountRow
	if err := json.Unmarshal([]byte(discounts), &rows); err != nil {
		return plan.Plan{}, fmt.Errorf("decode discounts: %w", err)
	}
	if len(rows) > 0 {
		p.VolumeDiscounts = make([]plan.DiscountTier, 0, len(rows))
		for _, r := range rows {
			m, err := decimal.NewFromString(r.Multiplier)
			if err != nil {
				return plan.Plan{}, fmt.Errorf("parse multiplier %q: %w", r.Multiplier, err)
			}
			p.VolumeDiscounts = append(p.VolumeDiscounts, plan.DiscountTier{CallThreshold: r.CallThreshold, Multiplier: m})
		}
	}

	var names []string
	if err := json.Unmarshal([]byte(features), &names); err != nil {
		return plan.Plan{}, fmt.Errorf("decode features: %w", err)
	}
	if len(names) > 0 {
		p.Features = make(map[string]bool, len(names))
		for _, name := range names {
			p.Features[name] = true
		}
	}

	return p, nil
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
