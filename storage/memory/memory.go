// Package memory provides an in-memory implementation of the gocredits.Storage interface.
// This implementation is primarily intended for testing, development and single-instance use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Storage implements gocredits.Storage, gocredits.EventStore and providers.QuotaCounter
// using in-memory maps guarded by a single mutex.
type Storage struct {
	mu           sync.RWMutex
	accounts     map[string]*gocredits.Account
	transactions map[string][]*gocredits.Transaction // per user, oldest first
	index        map[string]*gocredits.Transaction   // by idempotency key

	eventsMu sync.Mutex
	events   map[string]*eventClaim

	quotaMu sync.Mutex
	quotas  map[string]*quotaState

	limiter *gocredits.MemoryRateLimiter
	now     func() time.Time
}

type eventClaim struct {
	applied   bool
	expiresAt time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return NewWithClock(time.Now)
}

// NewWithClock creates a storage adapter that reads lease and counter time from now
func NewWithClock(now func() time.Time) *Storage {
	return &Storage{
		accounts:     make(map[string]*gocredits.Account),
		transactions: make(map[string][]*gocredits.Transaction),
		index:        make(map[string]*gocredits.Transaction),
		events:       make(map[string]*eventClaim),
		quotas:       make(map[string]*quotaState),
		limiter:      gocredits.NewMemoryRateLimiterWithClock(now),
		now:          now,
	}
}

// GetAccount implements gocredits.Storage
func (s *Storage) GetAccount(_ context.Context, userID string) (*gocredits.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, gocredits.ErrAccountNotFound
	}
	acctCopy := *acct
	return &acctCopy, nil
}

// CreateAccount implements gocredits.Storage
func (s *Storage) CreateAccount(_ context.Context, req *gocredits.CreateAccountRequest) (*gocredits.Account, bool, error) {
	if req.UserID == "" {
		return nil, false, gocredits.ErrMissingUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[req.UserID]; ok {
		acctCopy := *acct
		return &acctCopy, false, nil
	}

	acct, txs := req.Apply()
	s.accounts[req.UserID] = acct
	s.appendLocked(txs)

	acctCopy := *acct
	return &acctCopy, true, nil
}

// Debit implements gocredits.Storage
func (s *Storage) Debit(_ context.Context, req *gocredits.DebitRequest) (*gocredits.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(req.UserID, req.Type, req.ReferenceID, req.Apply)
}

// Credit implements gocredits.Storage
func (s *Storage) Credit(_ context.Context, req *gocredits.CreditRequest) (*gocredits.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(req.UserID, req.Type, req.ReferenceID, req.Apply)
}

// ApplySubscription implements gocredits.Storage
func (s *Storage) ApplySubscription(_ context.Context, req *gocredits.SubscriptionRequest) (*gocredits.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(req.UserID, req.IdempotencyType(), req.ReferenceID, req.Apply)
}

// mutateLocked runs apply against a working copy of the account and commits it only on success.
// An empty txType skips the idempotency check.
func (s *Storage) mutateLocked(
	userID string, txType gocredits.TransactionType, ref string,
	apply func(*gocredits.Account) ([]*gocredits.Transaction, error),
) (*gocredits.MutationResult, error) {
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, gocredits.ErrAccountNotFound
	}

	if txType != "" {
		if _, dup := s.index[gocredits.IdempotencyKey(userID, txType, ref)]; dup {
			return &gocredits.MutationResult{
				Balance:      acct.Balance(),
				Transactions: s.byReferenceLocked(userID, ref),
				Duplicate:    true,
			}, nil
		}
	}

	working := *acct
	txs, err := apply(&working)
	if err != nil {
		return nil, err
	}
	s.accounts[userID] = &working
	s.appendLocked(txs)

	return &gocredits.MutationResult{
		Balance:      working.Balance(),
		Transactions: copyTransactions(txs),
	}, nil
}

func (s *Storage) appendLocked(txs []*gocredits.Transaction) {
	for _, tx := range txs {
		stored := *tx
		s.transactions[tx.UserID] = append(s.transactions[tx.UserID], &stored)
		s.index[gocredits.IdempotencyKey(tx.UserID, tx.Type, tx.ReferenceID)] = &stored
	}
}

func (s *Storage) byReferenceLocked(userID, ref string) []*gocredits.Transaction {
	var out []*gocredits.Transaction
	for _, tx := range s.transactions[userID] {
		if tx.ReferenceID == ref {
			txCopy := *tx
			out = append(out, &txCopy)
		}
	}
	return out
}

// GetTransaction implements gocredits.Storage
func (s *Storage) GetTransaction(_ context.Context, userID string, txType gocredits.TransactionType, referenceID string) (*gocredits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.index[gocredits.IdempotencyKey(userID, txType, referenceID)]
	if !ok {
		return nil, nil
	}
	txCopy := *tx
	return &txCopy, nil
}

// ListTransactions implements gocredits.Storage
func (s *Storage) ListTransactions(_ context.Context, userID string, limit, offset int) ([]*gocredits.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[userID]
	total := len(all)
	if offset >= total {
		return []*gocredits.Transaction{}, total, nil
	}

	// newest first
	end := total - offset
	start := end - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	out := make([]*gocredits.Transaction, 0, end-start)
	for i := end - 1; i >= start; i-- {
		txCopy := *all[i]
		out = append(out, &txCopy)
	}
	return out, total, nil
}

// DeleteAccount implements gocredits.Storage
func (s *Storage) DeleteAccount(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return gocredits.ErrAccountNotFound
	}
	for _, tx := range s.transactions[userID] {
		delete(s.index, gocredits.IdempotencyKey(userID, tx.Type, tx.ReferenceID))
	}
	delete(s.transactions, userID)
	delete(s.accounts, userID)
	return nil
}

// CheckRateLimit implements gocredits.Storage
func (s *Storage) CheckRateLimit(_ context.Context, req *gocredits.RateLimitRequest) (bool, int, time.Time, error) {
	now := req.Now
	if now.IsZero() {
		now = s.now().UTC()
	}
	allowed, remaining, reset := s.limiter.AllowAt(req.UserID, req.Weight, req.Rate, req.Window, now)
	return allowed, remaining, reset, nil
}

// ClaimEvent implements gocredits.EventStore
func (s *Storage) ClaimEvent(_ context.Context, eventID string, lease time.Duration) (gocredits.ClaimStatus, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	now := s.now()
	if claim, ok := s.events[eventID]; ok {
		if claim.applied {
			return gocredits.ClaimApplied, nil
		}
		if now.Before(claim.expiresAt) {
			return gocredits.ClaimInProgress, nil
		}
	}
	s.events[eventID] = &eventClaim{expiresAt: now.Add(lease)}
	return gocredits.ClaimAcquired, nil
}

// CompleteEvent implements gocredits.EventStore
func (s *Storage) CompleteEvent(_ context.Context, eventID string) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	s.events[eventID] = &eventClaim{applied: true}
	return nil
}

// ReleaseEvent implements gocredits.EventStore
func (s *Storage) ReleaseEvent(_ context.Context, eventID string) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if claim, ok := s.events[eventID]; ok && !claim.applied {
		delete(s.events, eventID)
	}
	return nil
}

// Accounts returns the ids of every stored account, sorted
func (s *Storage) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	s.accounts = make(map[string]*gocredits.Account)
	s.transactions = make(map[string][]*gocredits.Transaction)
	s.index = make(map[string]*gocredits.Transaction)
	s.mu.Unlock()

	s.eventsMu.Lock()
	s.events = make(map[string]*eventClaim)
	s.eventsMu.Unlock()

	s.quotaMu.Lock()
	s.quotas = make(map[string]*quotaState)
	s.quotaMu.Unlock()
}

func copyTransactions(txs []*gocredits.Transaction) []*gocredits.Transaction {
	out := make([]*gocredits.Transaction, len(txs))
	for i, tx := range txs {
		txCopy := *tx
		out[i] = &txCopy
	}
	return out
}
