package providers

import (
	"context"
	"time"
)

// ResetPeriod selects which provider counters a reset clears
type ResetPeriod string

const (
	PeriodDaily   ResetPeriod = "daily"
	PeriodMonthly ResetPeriod = "monthly"
)

// QuotaLimits are a provider's free-tier ceilings. Zero means unlimited.
type QuotaLimits struct {
	DailyRequests   int `yaml:"daily_requests" json:"daily_requests"`
	MonthlyRequests int `yaml:"monthly_requests" json:"monthly_requests"`
	MonthlyCredits  int `yaml:"monthly_credits" json:"monthly_credits"`
}

// Exhausted reports whether u has reached any of the limits
func (l QuotaLimits) Exhausted(u Usage) bool {
	return (l.DailyRequests > 0 && u.TodayRequests >= l.DailyRequests) ||
		(l.MonthlyRequests > 0 && u.MonthRequests >= l.MonthlyRequests) ||
		(l.MonthlyCredits > 0 && u.MonthCredits >= l.MonthlyCredits)
}

// Usage is a snapshot of a provider's quota counters
type Usage struct {
	TodayRequests int `json:"today_requests"`
	MonthRequests int `json:"month_requests"`
	MonthCredits  int `json:"month_credits"`

	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
}

// Roll clears the counters whose reset time has passed and schedules the next reset.
// A zero reset time counts as passed.
func (u *Usage) Roll(now time.Time) {
	if !now.Before(u.DailyResetAt) {
		u.TodayRequests = 0
		u.DailyResetAt = NextDailyReset(now)
	}
	if !now.Before(u.MonthlyResetAt) {
		u.MonthRequests = 0
		u.MonthCredits = 0
		u.MonthlyResetAt = NextMonthlyReset(now)
	}
}

// Release gives back one request slot without going below zero
func (u *Usage) Release() {
	if u.TodayRequests > 0 {
		u.TodayRequests--
	}
	if u.MonthRequests > 0 {
		u.MonthRequests--
	}
}

// QuotaCounter holds provider usage counters shared by every server instance.
// Reserve must be an atomic check-and-increment so concurrent requests cannot push
// a provider past its hard limit. Counters expire on their own at the next daily or
// monthly boundary (UTC); Reset clears them early.
type QuotaCounter interface {
	// Reserve counts one request against provider if the limits allow it.
	// Returns false without changing anything when a limit is reached.
	Reserve(ctx context.Context, provider string, limits QuotaLimits, now time.Time) (bool, error)

	// Release gives back a request slot taken by Reserve after a failed dispatch
	Release(ctx context.Context, provider string, now time.Time) error

	// AddCredits adds credits consumed by a successful dispatch
	AddCredits(ctx context.Context, provider string, credits int, now time.Time) error

	// Usage returns the current counters
	Usage(ctx context.Context, provider string, now time.Time) (Usage, error)

	// Reset clears the counters of period
	Reset(ctx context.Context, provider string, period ResetPeriod) error
}

// NextDailyReset returns the next UTC midnight after now
func NextDailyReset(now time.Time) time.Time {
	n := now.UTC()
	return time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, time.UTC)
}

// NextMonthlyReset returns the first instant of the next UTC month after now
func NextMonthlyReset(now time.Time) time.Time {
	n := now.UTC()
	return time.Date(n.Year(), n.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
