package providers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/gocredits/pkg/providers"
)

func TestNextResets(t *testing.T) {
	tests := []struct {
		name        string
		now         time.Time
		wantDaily   time.Time
		wantMonthly time.Time
	}{
		{
			name:        "mid month",
			now:         time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
			wantDaily:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
			wantMonthly: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:        "last day of year",
			now:         time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
			wantDaily:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
			wantMonthly: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:        "exactly midnight",
			now:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			wantDaily:   time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
			wantMonthly: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:        "non UTC input",
			now:         time.Date(2026, 3, 14, 23, 30, 0, 0, time.FixedZone("EST", -5*3600)),
			wantDaily:   time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC),
			wantMonthly: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantDaily, providers.NextDailyReset(tt.now))
			assert.Equal(t, tt.wantMonthly, providers.NextMonthlyReset(tt.now))
		})
	}
}

func TestUsage_Roll(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	var u providers.Usage
	u.Roll(now)
	assert.Equal(t, providers.NextDailyReset(now), u.DailyResetAt)
	assert.Equal(t, providers.NextMonthlyReset(now), u.MonthlyResetAt)

	u.TodayRequests, u.MonthRequests, u.MonthCredits = 3, 5, 40

	u.Roll(now.Add(time.Hour))
	assert.Equal(t, 3, u.TodayRequests)

	u.Roll(now.Add(24 * time.Hour))
	assert.Equal(t, 0, u.TodayRequests)
	assert.Equal(t, 5, u.MonthRequests)
	assert.Equal(t, 40, u.MonthCredits)

	u.Roll(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 0, u.MonthRequests)
	assert.Equal(t, 0, u.MonthCredits)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), u.MonthlyResetAt)
}

func TestUsage_Release(t *testing.T) {
	u := providers.Usage{TodayRequests: 1}
	u.Release()
	u.Release()
	assert.Equal(t, 0, u.TodayRequests)
	assert.Equal(t, 0, u.MonthRequests)
}

func TestQuotaLimits_Exhausted(t *testing.T) {
	tests := []struct {
		name   string
		limits providers.QuotaLimits
		usage  providers.Usage
		want   bool
	}{
		{"unlimited", providers.QuotaLimits{}, providers.Usage{TodayRequests: 1000}, false},
		{"daily reached", providers.QuotaLimits{DailyRequests: 2}, providers.Usage{TodayRequests: 2}, true},
		{"daily below", providers.QuotaLimits{DailyRequests: 2}, providers.Usage{TodayRequests: 1}, false},
		{"monthly reached", providers.QuotaLimits{MonthlyRequests: 10}, providers.Usage{MonthRequests: 10}, true},
		{"credits reached", providers.QuotaLimits{MonthlyCredits: 5}, providers.Usage{MonthCredits: 6}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.limits.Exhausted(tt.usage))
		})
	}
}
