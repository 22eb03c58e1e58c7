package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// CheckRateLimit implements gocredits.Storage
//
//nolint:gocritic // Named return values would reduce readability here
func (s *Storage) CheckRateLimit(ctx context.Context, req *gocredits.RateLimitRequest) (bool, int, time.Time, error) {
	if req == nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit request is required")
	}

	now := req.Now
	if now.IsZero() {
		var err error
		if now, err = s.Now(ctx); err != nil {
			return false, 0, time.Time{}, err
		}
	}
	weight := req.Weight
	if weight <= 0 {
		weight = 1
	}

	result, err := s.scripts["slidingWindow"].Run(
		ctx,
		s.client,
		[]string{s.rateLimitKey(req.UserID)},
		now.UnixMilli(),
		req.Rate,
		req.Window.Milliseconds(),
		weight,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, storageError("execute rate limit script", err)
	}
	if len(result) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("unexpected result format from rate limit script")
	}

	return result[0] == 1, int(result[1]), time.UnixMilli(result[2]).UTC(), nil
}
