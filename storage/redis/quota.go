package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gocredits/pkg/providers"
)

func (s *Storage) runQuota(
	ctx context.Context, op, provider string, now time.Time, limits providers.QuotaLimits, credits int,
) (bool, providers.Usage, error) {
	res, err := s.scripts["quota"].Run(
		ctx,
		s.client,
		[]string{s.quotaKey(provider)},
		op,
		now.Unix(),
		providers.NextDailyReset(now).Unix(),
		providers.NextMonthlyReset(now).Unix(),
		limits.DailyRequests,
		limits.MonthlyRequests,
		limits.MonthlyCredits,
		credits,
	).Int64Slice()
	if err != nil {
		return false, providers.Usage{}, storageError("quota "+op, err)
	}
	if len(res) != 6 {
		return false, providers.Usage{}, fmt.Errorf("unexpected result format from quota script")
	}

	return res[0] == 1, providers.Usage{
		TodayRequests:  int(res[1]),
		DailyResetAt:   time.Unix(res[2], 0).UTC(),
		MonthRequests:  int(res[3]),
		MonthCredits:   int(res[4]),
		MonthlyResetAt: time.Unix(res[5], 0).UTC(),
	}, nil
}

// Reserve implements providers.QuotaCounter
func (s *Storage) Reserve(ctx context.Context, provider string, limits providers.QuotaLimits, now time.Time) (bool, error) {
	ok, _, err := s.runQuota(ctx, "reserve", provider, now, limits, 0)
	return ok, err
}

// Release implements providers.QuotaCounter
func (s *Storage) Release(ctx context.Context, provider string, now time.Time) error {
	_, _, err := s.runQuota(ctx, "release", provider, now, providers.QuotaLimits{}, 0)
	return err
}

// AddCredits implements providers.QuotaCounter
func (s *Storage) AddCredits(ctx context.Context, provider string, credits int, now time.Time) error {
	_, _, err := s.runQuota(ctx, "credits", provider, now, providers.QuotaLimits{}, credits)
	return err
}

// Usage implements providers.QuotaCounter
func (s *Storage) Usage(ctx context.Context, provider string, now time.Time) (providers.Usage, error) {
	_, usage, err := s.runQuota(ctx, "usage", provider, now, providers.QuotaLimits{}, 0)
	return usage, err
}

// Reset implements providers.QuotaCounter
func (s *Storage) Reset(ctx context.Context, provider string, period providers.ResetPeriod) error {
	key := s.quotaKey(provider)
	var err error
	switch period {
	case providers.PeriodDaily:
		err = s.client.HSet(ctx, key, "day_requests", 0).Err()
	case providers.PeriodMonthly:
		err = s.client.HSet(ctx, key, "month_requests", 0, "month_credits", 0).Err()
	default:
		return fmt.Errorf("unknown reset period %q", period)
	}
	if err != nil {
		return storageError("reset quota", err)
	}
	return nil
}
