package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// ClaimEvent implements gocredits.EventStore
func (s *Storage) ClaimEvent(ctx context.Context, eventID string, lease time.Duration) (gocredits.ClaimStatus, error) {
	if lease <= 0 {
		lease = time.Minute
	}
	doc := s.eventDoc(eventID)

	claim := gocredits.ClaimAcquired
	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := s.now()
		snap, err := tx.Get(doc)
		if err != nil && !notFound(err) {
			return err
		}
		if snap != nil && snap.Exists() {
			data := snap.Data()
			if getBool(data, "applied") {
				claim = gocredits.ClaimApplied
				return nil
			}
			if now.Before(getTime(data, "leaseExpiresAt")) {
				claim = gocredits.ClaimInProgress
				return nil
			}
		}

		claim = gocredits.ClaimAcquired
		return tx.Set(doc, map[string]interface{}{
			"eventId":        eventID,
			"applied":        false,
			"leaseExpiresAt": now.Add(lease),
		})
	})
	if err != nil {
		return gocredits.ClaimAcquired, storageError("claim event", err)
	}
	return claim, nil
}

// CompleteEvent implements gocredits.EventStore
func (s *Storage) CompleteEvent(ctx context.Context, eventID string) error {
	_, err := s.eventDoc(eventID).Set(ctx, map[string]interface{}{
		"eventId":   eventID,
		"applied":   true,
		"appliedAt": s.now(),
	})
	if err != nil {
		return storageError("complete event", err)
	}
	return nil
}

// ReleaseEvent implements gocredits.EventStore
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	doc := s.eventDoc(eventID)
	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if notFound(err) {
				return nil
			}
			return err
		}
		if getBool(snap.Data(), "applied") {
			return nil
		}
		return tx.Delete(doc)
	})
	if err != nil {
		return storageError("release event", err)
	}
	return nil
}
