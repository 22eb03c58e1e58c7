package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/gocredits/pkg/providers"
)

// updateQuota reads the provider document in a transaction, rolls expired periods and
// lets fn change the counters. ok is what fn returned.
func (s *Storage) updateQuota(
	ctx context.Context, provider string, now time.Time, fn func(*providers.Usage) bool,
) (bool, providers.Usage, error) {
	doc := s.quotaDoc(provider)
	var (
		ok    bool
		usage providers.Usage
	)
	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && !notFound(err) {
			return err
		}
		usage = providers.Usage{}
		if snap != nil && snap.Exists() {
			data := snap.Data()
			usage.TodayRequests = getInt(data, "todayRequests")
			usage.MonthRequests = getInt(data, "monthRequests")
			usage.MonthCredits = getInt(data, "monthCredits")
			usage.DailyResetAt = getTime(data, "dailyResetAt")
			usage.MonthlyResetAt = getTime(data, "monthlyResetAt")
		}

		usage.Roll(now)
		ok = fn(&usage)

		return tx.Set(doc, map[string]interface{}{
			"todayRequests":  usage.TodayRequests,
			"monthRequests":  usage.MonthRequests,
			"monthCredits":   usage.MonthCredits,
			"dailyResetAt":   usage.DailyResetAt,
			"monthlyResetAt": usage.MonthlyResetAt,
		})
	})
	if err != nil {
		return false, providers.Usage{}, storageError("update quota", err)
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
	var updates []firestore.Update
	switch period {
	case providers.PeriodDaily:
		updates = []firestore.Update{{Path: "todayRequests", Value: 0}}
	case providers.PeriodMonthly:
		updates = []firestore.Update{{Path: "monthRequests", Value: 0}, {Path: "monthCredits", Value: 0}}
	default:
		return fmt.Errorf("unknown reset period %q", period)
	}
	if _, err := s.quotaDoc(provider).Update(ctx, updates); err != nil {
		if notFound(err) {
			return nil
		}
		return storageError("reset quota", err)
	}
	return nil
}
