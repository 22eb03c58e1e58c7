package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// ClaimEvent implements gocredits.EventStore.
// The upsert only takes over rows that are neither applied nor under an unexpired lease.
func (s *Storage) ClaimEvent(ctx context.Context, eventID string, lease time.Duration) (gocredits.ClaimStatus, error) {
	if lease <= 0 {
		lease = time.Minute
	}
	now := s.now()

	var claimed string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO billing_events (event_id, lease_expires_at) VALUES ($1, $2)
			ON CONFLICT (event_id) DO UPDATE SET lease_expires_at = EXCLUDED.lease_expires_at
			WHERE NOT billing_events.applied AND billing_events.lease_expires_at <= $3
			RETURNING event_id`,
		eventID, now.Add(lease), now).Scan(&claimed)
	if err == nil {
		return gocredits.ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return gocredits.ClaimAcquired, storageError("claim event", err)
	}

	var applied bool
	err = s.pool.QueryRow(ctx,
		`SELECT applied FROM billing_events WHERE event_id = $1`, eventID).Scan(&applied)
	if errors.Is(err, pgx.ErrNoRows) {
		// released between the two statements; let the redelivery retry
		return gocredits.ClaimInProgress, nil
	}
	if err != nil {
		return gocredits.ClaimAcquired, storageError("read event", err)
	}
	if applied {
		return gocredits.ClaimApplied, nil
	}
	return gocredits.ClaimInProgress, nil
}

// CompleteEvent implements gocredits.EventStore
func (s *Storage) CompleteEvent(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_events (event_id, applied, applied_at) VALUES ($1, TRUE, $2)
			ON CONFLICT (event_id) DO UPDATE
			SET applied = TRUE, applied_at = EXCLUDED.applied_at, lease_expires_at = NULL`,
		eventID, s.now())
	if err != nil {
		return storageError("complete event", err)
	}
	return nil
}

// ReleaseEvent implements gocredits.EventStore
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM billing_events WHERE event_id = $1 AND NOT applied`, eventID)
	if err != nil {
		return storageError("release event", err)
	}
	return nil
}
