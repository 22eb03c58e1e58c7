package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

const (
	// DefaultDailyResetSchedule runs at 00:00 UTC every day
	DefaultDailyResetSchedule = "0 0 * * *"
	// DefaultMonthlyResetSchedule runs at 00:00 UTC on the first day of the month
	DefaultMonthlyResetSchedule = "0 0 1 * *"
)

// ResetSchedulerConfig configures the cron schedules of quota resets
type ResetSchedulerConfig struct {
	DailySchedule   string
	MonthlySchedule string
	Logger          gocredits.Logger
}

// ResetScheduler clears provider counters on a cron schedule.
// Counters also roll over lazily at their reset time; the scheduler keeps
// shared stores in step when no request touches a provider for a while.
type ResetScheduler struct {
	cron      *cron.Cron
	counter   QuotaCounter
	providers []string
	logger    gocredits.Logger
}

// NewResetScheduler registers daily and monthly reset jobs for the named providers
func NewResetScheduler(counter QuotaCounter, providers []string, config ResetSchedulerConfig) (*ResetScheduler, error) {
	if config.DailySchedule == "" {
		config.DailySchedule = DefaultDailyResetSchedule
	}
	if config.MonthlySchedule == "" {
		config.MonthlySchedule = DefaultMonthlyResetSchedule
	}
	if config.Logger == nil {
		config.Logger = &gocredits.NoopLogger{}
	}

	s := &ResetScheduler{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		counter:   counter,
		providers: providers,
		logger:    config.Logger,
	}
	if _, err := s.cron.AddFunc(config.DailySchedule, func() { s.ResetAll(context.Background(), PeriodDaily) }); err != nil {
		return nil, fmt.Errorf("schedule daily reset: %w", err)
	}
	if _, err := s.cron.AddFunc(config.MonthlySchedule, func() { s.ResetAll(context.Background(), PeriodMonthly) }); err != nil {
		return nil, fmt.Errorf("schedule monthly reset: %w", err)
	}
	return s, nil
}

// ResetAll clears period counters for every provider, logging failures
func (s *ResetScheduler) ResetAll(ctx context.Context, period ResetPeriod) {
	for _, name := range s.providers {
		if err := s.counter.Reset(ctx, name, period); err != nil {
			s.logger.Error("provider quota reset failed",
				gocredits.F("provider", name),
				gocredits.F("period", string(period)),
				gocredits.F("error", err),
			)
			continue
		}
		s.logger.Info("provider quota reset",
			gocredits.F("provider", name),
			gocredits.F("period", string(period)),
		)
	}
}

// Start runs the scheduler in the background
func (s *ResetScheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and returns a context that is done once running jobs finish
func (s *ResetScheduler) Stop() context.Context {
	return s.cron.Stop()
}
