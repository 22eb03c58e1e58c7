// Package firestore provides a Firestore implementation of the gocredits.Storage interface.
// Every mutation runs in a Firestore transaction that reads the account document and the
// idempotency reference before writing.
package firestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Storage implements gocredits.Storage, gocredits.EventStore and providers.QuotaCounter
// using Google Cloud Firestore.
//
// Layout:
//
//	{accounts}/{userID}                         account balances and plan
//	{accounts}/{userID}/transactions/{txID}     ledger entries
//	{accounts}/{userID}/references/{key}        idempotency index, one per (type, reference)
//	{rateLimits}/{userID}                       sliding window entries
//	{events}/{eventID}                          billing event claims
//	{quotas}/{provider}                         provider usage counters
type Storage struct {
	client *firestore.Client
	config Config
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection holds one document per user
	// Default: "credit_accounts"
	AccountsCollection string

	// RateLimitsCollection holds the per-user sliding windows
	// Default: "credit_rate_limits"
	RateLimitsCollection string

	// EventsCollection holds billing event claims
	// Default: "billing_events"
	EventsCollection string

	// QuotasCollection holds provider quota counters
	// Default: "provider_quotas"
	QuotasCollection string

	// MaxAttempts bounds the attempts of one RunTransaction call (default: 25).
	// Transactions still aborted after that are run again with backoff until the
	// context ends.
	MaxAttempts int

	// Now returns the current time for event leases (default: time.Now)
	Now func() time.Time
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "credit_accounts"
	}
	if config.RateLimitsCollection == "" {
		config.RateLimitsCollection = "credit_rate_limits"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}
	if config.QuotasCollection == "" {
		config.QuotasCollection = "provider_quotas"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 25
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Storage{client: client, config: config}, nil
}

func (s *Storage) now() time.Time {
	return s.config.Now().UTC()
}

// runTransaction runs f in a transaction. Contention alone never fails it.
func (s *Storage) runTransaction(ctx context.Context, f func(context.Context, *firestore.Transaction) error) error {
	return retryAborted(ctx, func() error {
		return s.client.RunTransaction(ctx, f, firestore.MaxAttempts(s.config.MaxAttempts))
	})
}

// retryAborted reruns run while it fails with codes.Aborted and ctx is alive
func retryAborted(ctx context.Context, run func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := run()
		if err != nil && status.Code(err) != codes.Aborted {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil && status.Code(err) == codes.Aborted {
		return storageError("transaction", err)
	}
	return err
}

func (s *Storage) accountDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.AccountsCollection).Doc(userID)
}

func (s *Storage) transactionsColl(userID string) *firestore.CollectionRef {
	return s.accountDoc(userID).Collection("transactions")
}

func (s *Storage) referenceDoc(userID string, txType gocredits.TransactionType, referenceID string) *firestore.DocumentRef {
	return s.accountDoc(userID).Collection("references").Doc(docID(string(txType) + "|" + referenceID))
}

func (s *Storage) rateLimitDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.RateLimitsCollection).Doc(userID)
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.EventsCollection).Doc(docID(eventID))
}

func (s *Storage) quotaDoc(provider string) *firestore.DocumentRef {
	return s.client.Collection(s.config.QuotasCollection).Doc(provider)
}

// docID encodes an arbitrary key into a valid document id
func docID(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// storageError marks err as a backend failure while keeping it inspectable
func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", gocredits.ErrStorageUnavailable, op, err)
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}
