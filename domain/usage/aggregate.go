package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Summary aggregates one user's events over a query period (value type).
type Summary struct {
	UserID         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	TotalEvents    int64
	CompletedCalls int64
	FailedCalls    int64
	PendingCalls   int64
	UnitCount      int64 // units across all events
	TotalCost      decimal.Decimal
	TokensUsed     int64
	AvgResponseMs  int64 // over closed events that reported a time
}

// Aggregate combines events into a summary.
// This is a PURE function.
func Aggregate(events []Event, periodStart, periodEnd time.Time) Summary {
	s := Summary{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		TotalCost:   decimal.Zero,
	}
	if len(events) == 0 {
		return s
	}

	var (
		totalResponse int64
		timedEvents   int64
	)
	for _, e := range events {
		if s.UserID == "" {
			s.UserID = e.UserID
		}

		s.TotalEvents++
		s.UnitCount += e.UnitCount
		s.TotalCost = s.TotalCost.Add(e.Cost)
		s.TokensUsed += e.TokensUsed

		switch e.State {
		case StateCompleted:
			s.CompletedCalls++
		case StateFailed:
			s.FailedCalls++
		default:
			s.PendingCalls++
		}

		if e.ResponseTimeMs > 0 {
			totalResponse += e.ResponseTimeMs
			timedEvents++
		}
	}

	if timedEvents > 0 {
		s.AvgResponseMs = totalResponse / timedEvents
	}
	return s
}
