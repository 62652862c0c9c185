package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/raildebug/raildbg/internal/storage"
)

// Limits holds the request ceilings for one plan. Zero means unlimited.
type Limits struct {
	Daily   int
	Monthly int
}

// DefaultPlans maps plan names to their quota ceilings.
var DefaultPlans = map[string]Limits{
	"free": {Daily: 10, Monthly: 50},
	"dev":  {Daily: 200, Monthly: 2000},
	"team": {}, // unlimited
}

// QuotaExceededError reports which period's ceiling blocked the request.
type QuotaExceededError struct {
	Period string // "daily" or "monthly"
	Limit  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s limit of %d analyses reached", e.Period, e.Limit)
}

// Ledger tracks per-account usage against plan quotas with rolling resets.
type Ledger struct {
	store *storage.Store
	plans map[string]Limits
	now   func() time.Time
}

// New creates a Ledger. plans may be nil to use DefaultPlans.
func New(store *storage.Store, plans map[string]Limits) *Ledger {
	if plans == nil {
		plans = DefaultPlans
	}
	return &Ledger{store: store, plans: plans, now: time.Now}
}

// CheckAndIncrement admits one request for the account, incrementing both
// period counters. Stale counters are reset first, so the first request of a
// new day (or month) always sees a zero counter. Returns *QuotaExceededError
// when a ceiling would be crossed; counters are untouched in that case.
//
// An empty accountID is anonymous and never rate limited; unknown plan names
// fall back to "free".
func (l *Ledger) CheckAndIncrement(ctx context.Context, accountID, plan string) error {
	if accountID == "" {
		return nil
	}

	limits, ok := l.plans[plan]
	if !ok {
		plan = "free"
		limits = l.plans["free"]
	}
	if limits.Daily == 0 && limits.Monthly == 0 {
		return nil
	}

	now := l.now().UTC()
	today := now.Format("2006-01-02")
	month := now.Format("2006-01")

	period, err := l.store.IncrementUsage(ctx, accountID, plan, today, month, limits.Daily, limits.Monthly)
	if err != nil {
		return fmt.Errorf("updating usage ledger: %w", err)
	}
	switch period {
	case "daily":
		return &QuotaExceededError{Period: "daily", Limit: limits.Daily}
	case "monthly":
		return &QuotaExceededError{Period: "monthly", Limit: limits.Monthly}
	}
	return nil
}
