package redis

import (
	"context"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// ClaimEvent implements gocredits.EventStore
func (s *Storage) ClaimEvent(ctx context.Context, eventID string, lease time.Duration) (gocredits.ClaimStatus, error) {
	if lease <= 0 {
		lease = time.Minute
	}
	status, err := s.scripts["claimEvent"].Run(
		ctx, s.client, []string{s.eventKey(eventID)}, lease.Milliseconds(),
	).Int()
	if err != nil {
		return gocredits.ClaimAcquired, storageError("claim event", err)
	}
	return gocredits.ClaimStatus(status), nil
}

// CompleteEvent implements gocredits.EventStore
func (s *Storage) CompleteEvent(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, s.eventKey(eventID), "applied", s.config.AppliedEventTTL).Err(); err != nil {
		return storageError("complete event", err)
	}
	return nil
}

// ReleaseEvent implements gocredits.EventStore
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	if err := s.scripts["releaseEvent"].Run(ctx, s.client, []string{s.eventKey(eventID)}).Err(); err != nil {
		return storageError("release event", err)
	}
	return nil
}
