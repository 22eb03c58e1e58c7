package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// CheckRateLimit implements gocredits.Storage.
// The window lives in one document per user as a list of {at, weight} entries.
//
//nolint:gocritic // Named return values would reduce readability here
func (s *Storage) CheckRateLimit(ctx context.Context, req *gocredits.RateLimitRequest) (bool, int, time.Time, error) {
	if req == nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit request is required")
	}
	now := req.Now.UTC()
	if req.Now.IsZero() {
		now = s.now()
	}
	weight := req.Weight
	if weight <= 0 {
		weight = 1
	}

	doc := s.rateLimitDoc(req.UserID)
	var (
		allowed   bool
		remaining int
		resetTime time.Time
	)
	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && !notFound(err) {
			return err
		}

		cutoff := now.Add(-req.Window)
		var kept []interface{}
		used := 0
		var oldest time.Time
		if snap != nil && snap.Exists() {
			entries, _ := snap.Data()["entries"].([]interface{})
			for _, e := range entries {
				entry, ok := e.(map[string]interface{})
				if !ok {
					continue
				}
				at := getTime(entry, "at")
				if !at.After(cutoff) {
					continue
				}
				kept = append(kept, entry)
				used += getInt(entry, "weight")
				if oldest.IsZero() || at.Before(oldest) {
					oldest = at
				}
			}
		}

		resetTime = now.Add(req.Window)
		if !oldest.IsZero() {
			resetTime = oldest.Add(req.Window)
		}

		allowed = used+weight <= req.Rate
		remaining = req.Rate - used
		if allowed {
			remaining -= weight
			kept = append(kept, map[string]interface{}{"at": now, "weight": weight})
		}
		if remaining < 0 {
			remaining = 0
		}

		return tx.Set(doc, map[string]interface{}{
			"entries":   kept,
			"updatedAt": now,
		})
	})
	if err != nil {
		return false, 0, time.Time{}, storageError("check rate limit", err)
	}

	return allowed, remaining, resetTime, nil
}
