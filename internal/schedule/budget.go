package schedule

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sleeplessd/sleepless/internal/queue"
)

// BudgetConfig controls the day/night budget split.
type BudgetConfig struct {
	DailyBudgetUSD    string
	NightQuotaPercent int
	NightStartHour    int
	NightEndHour      int
}

func (c *BudgetConfig) withDefaults() BudgetConfig {
	out := *c
	if out.DailyBudgetUSD == "" {
		out.DailyBudgetUSD = "10.00"
	}
	if out.NightQuotaPercent == 0 {
		out.NightQuotaPercent = 90
	}
	if out.NightStartHour == 0 {
		out.NightStartHour = DefaultNightStartHour
	}
	if out.NightEndHour == 0 {
		out.NightEndHour = DefaultNightEndHour
	}
	return out
}

// BudgetManager allocates the daily budget between night and day windows
// and answers how much of the current window remains.
type BudgetManager struct {
	store *queue.Store
	cfg   BudgetConfig
	daily decimal.Decimal
	now   func() time.Time
}

// NewBudgetManager builds a manager over the usage metrics in store.
func NewBudgetManager(store *queue.Store, cfg BudgetConfig) (*BudgetManager, error) {
	cfg = cfg.withDefaults()
	daily, err := decimal.NewFromString(cfg.DailyBudgetUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid daily budget %q: %w", cfg.DailyBudgetUSD, err)
	}
	return &BudgetManager{store: store, cfg: cfg, daily: daily, now: time.Now}, nil
}

// SetClock overrides the manager's clock; test hook.
func (b *BudgetManager) SetClock(now func() time.Time) { b.now = now }

// UsageInPeriod sums recorded cost over [start, end).
func (b *BudgetManager) UsageInPeriod(start, end time.Time) (decimal.Decimal, error) {
	return b.store.UsageCostInPeriod(start, end)
}

// CurrentPeriodUsage sums cost since the current day/night boundary.
func (b *BudgetManager) CurrentPeriodUsage() (decimal.Decimal, error) {
	now := b.now()
	start := PeriodStart(now, b.cfg.NightStartHour, b.cfg.NightEndHour)
	return b.store.UsageCostInPeriod(start, now)
}

// CurrentQuota returns the share of the daily budget allotted to the
// current window: night_quota_percent at night, the rest during the day.
func (b *BudgetManager) CurrentQuota() decimal.Decimal {
	percent := int64(100 - b.cfg.NightQuotaPercent)
	if IsNighttime(b.now(), b.cfg.NightStartHour, b.cfg.NightEndHour) {
		percent = int64(b.cfg.NightQuotaPercent)
	}
	return b.daily.Mul(decimal.NewFromInt(percent)).Div(decimal.NewFromInt(100))
}

// RemainingBudget returns max(0, quota - usage) for the current window.
func (b *BudgetManager) RemainingBudget() (decimal.Decimal, error) {
	usage, err := b.CurrentPeriodUsage()
	if err != nil {
		return decimal.Zero, err
	}
	remaining := b.CurrentQuota().Sub(usage)
	if remaining.IsNegative() {
		return decimal.Zero, nil
	}
	return remaining, nil
}

// BudgetAvailable reports whether the window can still absorb estimated.
func (b *BudgetManager) BudgetAvailable(estimated decimal.Decimal) (bool, error) {
	remaining, err := b.RemainingBudget()
	if err != nil {
		return false, err
	}
	return remaining.GreaterThanOrEqual(estimated), nil
}

// UsagePercent returns min(100, floor(100 * usage / quota)).
func (b *BudgetManager) UsagePercent() (int, error) {
	usage, err := b.CurrentPeriodUsage()
	if err != nil {
		return 0, err
	}
	quota := b.CurrentQuota()
	if quota.IsZero() {
		return 100, nil
	}
	percent := usage.Mul(decimal.NewFromInt(100)).Div(quota).IntPart()
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	return int(percent), nil
}
