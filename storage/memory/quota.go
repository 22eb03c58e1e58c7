package memory

import (
	"context"
	"time"

	"github.com/mihaimyh/gocredits/pkg/providers"
)

type quotaState struct {
	usage providers.Usage
}

func (s *Storage) quotaLocked(provider string, now time.Time) *quotaState {
	q, ok := s.quotas[provider]
	if !ok {
		q = &quotaState{}
		s.quotas[provider] = q
	}
	q.usage.Roll(now)
	return q
}

// Reserve implements providers.QuotaCounter
func (s *Storage) Reserve(_ context.Context, provider string, limits providers.QuotaLimits, now time.Time) (bool, error) {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	q := s.quotaLocked(provider, now)
	if limits.Exhausted(q.usage) {
		return false, nil
	}
	q.usage.TodayRequests++
	q.usage.MonthRequests++
	return true, nil
}

// Release implements providers.QuotaCounter
func (s *Storage) Release(_ context.Context, provider string, now time.Time) error {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	q := s.quotaLocked(provider, now)
	q.usage.Release()
	return nil
}

// AddCredits implements providers.QuotaCounter
func (s *Storage) AddCredits(_ context.Context, provider string, credits int, now time.Time) error {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	q := s.quotaLocked(provider, now)
	q.usage.MonthCredits += credits
	return nil
}

// Usage implements providers.QuotaCounter
func (s *Storage) Usage(_ context.Context, provider string, now time.Time) (providers.Usage, error) {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	return s.quotaLocked(provider, now).usage, nil
}

// Reset implements providers.QuotaCounter
func (s *Storage) Reset(_ context.Context, provider string, period providers.ResetPeriod) error {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	q, ok := s.quotas[provider]
	if !ok {
		return nil
	}
	switch period {
	case providers.PeriodDaily:
		q.usage.TodayRequests = 0
	case providers.PeriodMonthly:
		q.usage.MonthRequests = 0
		q.usage.MonthCredits = 0
	}
	return nil
}
