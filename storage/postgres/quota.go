package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gocredits/pkg/providers"
)

// updateQuota locks the provider row, rolls expired periods and lets fn change the counters.
// The rolled counters are always written back; ok is what fn returned.
func (s *Storage) updateQuota(
	ctx context.Context, provider string, now time.Time, fn func(*providers.Usage) bool,
) (bool, providers.Usage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, providers.Usage{}, storageError("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO provider_quotas (provider) VALUES ($1) ON CONFLICT (provider) DO NOTHING`,
		provider); err != nil {
		return false, providers.Usage{}, storageError("ensure quota row", err)
	}

	var (
		usage                providers.Usage
		dailyReset, monthEnd *time.Time
	)
	if err := tx.QueryRow(ctx,
		`SELECT today_requests, month_requests, month_credits, daily_reset_at, monthly_reset_at
			FROM provider_quotas WHERE provider = $1 FOR UPDATE`,
		provider).Scan(&usage.TodayRequests, &usage.MonthRequests, &usage.MonthCredits, &dailyReset, &monthEnd); err != nil {
		return false, providers.Usage{}, storageError("read quota", err)
	}
	usage.DailyResetAt = fromNullTime(dailyReset)
	usage.MonthlyResetAt = fromNullTime(monthEnd)

	usage.Roll(now)
	ok := fn(&usage)

	if _, err := tx.Exec(ctx,
		`UPDATE provider_quotas
			SET today_requests = $2, month_requests = $3, month_credits = $4,
				daily_reset_at = $5, monthly_reset_at = $6
			WHERE provider = $1`,
		provider, usage.TodayRequests, usage.MonthRequests, usage.MonthCredits,
		usage.DailyResetAt, usage.MonthlyResetAt); err != nil {
		return false, providers.Usage{}, storageError("update quota", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, providers.Usage{}, storageError("commit", err)
	}
	return ok, usage, nil
}

// Reserve implements providers.QuotaCounter
func (s *Storage) Reserve(ctx context.Context, provider string, limits providers.QuotaLimits, now time.Time) (bool, error) {
	ok, _, err := s.updateQuota(ctx, provider, now, func(u *providers.Usage) bool {
		if limits.Exhausted(*u) {
			return false
		}
		u.TodayRequests++
		u.MonthRequests++
		return true
	})
	return ok, err
}

// Release implements providers.QuotaCounter
func (s *Storage) Release(ctx context.Context, provider string, now time.Time) error {
	_, _, err := s.updateQuota(ctx, provider, now, func(u *providers.Usage) bool {
		u.Release()
		return true
	})
	return err
}

// AddCredits implements providers.QuotaCounter
func (s *Storage) AddCredits(ctx context.Context, provider string, credits int, now time.Time) error {
	_, _, err := s.updateQuota(ctx, provider, now, func(u *providers.Usage) bool {
		u.MonthCredits += credits
		return true
	})
	return err
}

// Usage implements providers.QuotaCounter
func (s *Storage) Usage(ctx context.Context, provider string, now time.Time) (providers.Usage, error) {
	_, usage, err := s.updateQuota(ctx, provider, now, func(*providers.Usage) bool { return true })
	return usage, err
}

// Reset implements providers.QuotaCounter
func (s *Storage) Reset(ctx context.Context, provider string, period providers.ResetPeriod) error {
	var query string
	switch period {
	case providers.PeriodDaily:
		query = `UPDATE provider_quotas SET today_requests = 0 WHERE provider = $1`
	case providers.PeriodMonthly:
		query = `UPDATE provider_quotas SET month_requests = 0, month_credits = 0 WHERE provider = $1`
	default:
		return fmt.Errorf("unknown reset period %q", period)
	}
	if _, err := s.pool.Exec(ctx, query, provider); err != nil {
		return storageError("reset quota", err)
	}
	return nil
}
