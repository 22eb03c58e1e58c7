package gocredits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config configures a Ledger
type Config struct {
	// FreeCredits is granted as a bonus when an account is created
	FreeCredits int

	// Catalog resolves plans for expiration warnings (optional)
	Catalog *PlanCatalog

	// DefaultHistoryLimit is used when GetHistory is called with limit <= 0 (default: 20)
	DefaultHistoryLimit int

	// MaxHistoryLimit caps the page size of GetHistory (default: 100)
	MaxHistoryLimit int

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Ledger owns both credit pools of every user and their transaction log
type Ledger struct {
	storage Storage
	config  Config
}

// NewLedger creates a ledger on top of storage
func NewLedger(storage Storage, config Config) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.FreeCredits < 0 {
		return nil, fmt.Errorf("%w: free credits must be non-negative", ErrInvalidConfig)
	}
	if config.DefaultHistoryLimit <= 0 {
		config.DefaultHistoryLimit = 20
	}
	if config.MaxHistoryLimit <= 0 {
		config.MaxHistoryLimit = 100
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Ledger{storage: storage, config: config}, nil
}

// Storage returns the underlying storage
func (l *Ledger) Storage() Storage {
	return l.storage
}

// Logger returns the configured logger
func (l *Ledger) Logger() Logger {
	return l.config.Logger
}

func (l *Ledger) now() time.Time {
	return l.config.Now().UTC()
}

// EnsureAccount returns the user's account, creating it with the free balance on first access
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	acct, err := l.storage.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	start := time.Now()
	acct, created, err := l.storage.CreateAccount(ctx, &CreateAccountRequest{
		UserID:      userID,
		FreeCredits: l.config.FreeCredits,
		Now:         l.now(),
	})
	l.config.Metrics.RecordStorageOperation("create_account", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if created {
		l.config.Logger.Info("credit account created",
			F("user_id", userID),
			F("free_credits", l.config.FreeCredits),
		)
		if l.config.FreeCredits > 0 {
			l.config.Metrics.RecordCredit(TransactionBonus, l.config.FreeCredits)
		}
	}
	return acct, nil
}

// GetBalance returns both pools and the total spendable credits
func (l *Ledger) GetBalance(ctx context.Context, userID string) (Balance, error) {
	acct, err := l.EnsureAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return acct.Balance(), nil
}

// GetAccount returns the user's account, creating it on first access
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return l.EnsureAccount(ctx, userID)
}

// ReserveAndDebit atomically debits amount, subscription pool first.
// The whole debit fails with *InsufficientCreditsError when the total is short.
// A referenceID already debited under txType returns the prior transaction with Duplicate set.
func (l *Ledger) ReserveAndDebit(ctx context.Context, userID string, amount int, referenceID string, txType TransactionType) (*MutationResult, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if referenceID == "" {
		return nil, ErrMissingReference
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if txType == "" {
		txType = TransactionUsage
	}
	if !txType.Valid() {
		return nil, ErrInvalidTransactionType
	}
	if amount == 0 {
		bal, err := l.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &MutationResult{Balance: bal}, nil
	}

	req := &DebitRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		ReferenceID: referenceID,
		Now:         l.now(),
	}
	res, err := l.mutate(ctx, "debit", userID, func() (*MutationResult, error) {
		return l.storage.Debit(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			l.config.Metrics.RecordDebit(txType, amount, false)
			l.config.Logger.Debug("debit rejected",
				F("user_id", userID),
				F("reference_id", referenceID),
				F("amount", amount),
			)
		}
		return nil, err
	}
	if res.Duplicate {
		l.config.Metrics.RecordDuplicate("debit")
		return res, nil
	}

	l.config.Metrics.RecordDebit(txType, amount, true)
	l.config.Logger.Debug("credits debited",
		F("user_id", userID),
		F("reference_id", referenceID),
		F("amount", amount),
		F("balance", res.Balance.Total),
	)
	return res, nil
}

// Credit adds amount to the pool matching txType: subscription credits go to the
// subscription pool, everything else to the purchased pool.
// An empty referenceID gets a generated one, which makes the call non-idempotent.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int, txType TransactionType, referenceID string) (*MutationResult, error) {
	if txType == TransactionRefund {
		return l.Refund(ctx, userID, amount, referenceID)
	}
	switch txType {
	case TransactionPurchase, TransactionBonus:
		return l.credit(ctx, &CreditRequest{
			UserID:          userID,
			Type:            txType,
			ReferenceID:     referenceID,
			PurchasedAmount: amount,
		})
	case TransactionSubscription:
		return l.credit(ctx, &CreditRequest{
			UserID:             userID,
			Type:               txType,
			ReferenceID:        referenceID,
			SubscriptionAmount: amount,
		})
	default:
		return nil, fmt.Errorf("%w: %q cannot be credited", ErrInvalidTransactionType, txType)
	}
}

// Refund returns credits for a failed or over-estimated request. The refund goes back
// to the pools the original usage debit with the same referenceID drew from, purchased
// pool first; without such a debit it goes to the purchased pool.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int, referenceID string) (*MutationResult, error) {
	if referenceID == "" {
		return nil, ErrMissingReference
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if userID == "" {
		return nil, ErrMissingUserID
	}

	original, err := l.storage.GetTransaction(ctx, userID, TransactionUsage, referenceID)
	if err != nil {
		return nil, err
	}
	toSubscription, toPurchased := RefundSplit(original, amount)

	return l.credit(ctx, &CreditRequest{
		UserID:             userID,
		Type:               TransactionRefund,
		ReferenceID:        referenceID,
		Description:        "refund",
		SubscriptionAmount: toSubscription,
		PurchasedAmount:    toPurchased,
	})
}

// RefundSplit divides a refund of amount between the pools that original debited.
// The purchased pool is restored first, up to what was taken from it.
func RefundSplit(original *Transaction, amount int) (toSubscription, toPurchased int) {
	if original == nil {
		return 0, amount
	}
	takenPurchased := -original.PurchasedDelta
	takenSubscription := -original.SubscriptionDelta

	toPurchased = amount
	if toPurchased > takenPurchased {
		toPurchased = takenPurchased
	}
	toSubscription = amount - toPurchased
	if toSubscription > takenSubscription {
		// more than the original debit: the excess goes to the purchased pool
		toPurchased += toSubscription - takenSubscription
		toSubscription = takenSubscription
	}
	return toSubscription, toPurchased
}

func (l *Ledger) credit(ctx context.Context, req *CreditRequest) (*MutationResult, error) {
	if req.UserID == "" {
		return nil, ErrMissingUserID
	}
	if req.SubscriptionAmount < 0 || req.PurchasedAmount < 0 {
		return nil, ErrInvalidAmount
	}
	if req.Amount() == 0 {
		bal, err := l.GetBalance(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return &MutationResult{Balance: bal}, nil
	}
	if req.ReferenceID == "" {
		req.ReferenceID = NewTransactionID()
	}
	req.Now = l.now()

	res, err := l.mutate(ctx, "credit", req.UserID, func() (*MutationResult, error) {
		return l.storage.Credit(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		l.config.Metrics.RecordDuplicate("credit")
		return res, nil
	}

	l.config.Metrics.RecordCredit(req.Type, req.Amount())
	l.config.Logger.Debug("credits added",
		F("user_id", req.UserID),
		F("type", string(req.Type)),
		F("reference_id", req.ReferenceID),
		F("amount", req.Amount()),
		F("balance", res.Balance.Total),
	)
	return res, nil
}

// ApplySubscription applies a subscription lifecycle change to the user's account
func (l *Ledger) ApplySubscription(ctx context.Context, req *SubscriptionRequest) (*MutationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Now.IsZero() {
		req.Now = l.now()
	}
	if req.EventTime.IsZero() {
		req.EventTime = req.Now
	}

	res, err := l.mutate(ctx, "subscription", req.UserID, func() (*MutationResult, error) {
		return l.storage.ApplySubscription(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrStaleEvent) {
			l.config.Logger.Warn("stale subscription event ignored",
				F("user_id", req.UserID),
				F("reference_id", req.ReferenceID),
				F("action", string(req.Action)),
			)
		}
		return nil, err
	}
	if res.Duplicate {
		l.config.Metrics.RecordDuplicate("subscription")
		return res, nil
	}

	planKey := ""
	if req.Plan != nil {
		planKey = req.Plan.Key
	}
	for _, tx := range res.Transactions {
		switch tx.Type {
		case TransactionExpiration:
			l.config.Metrics.RecordExpiration(planKey, -tx.Amount)
		case TransactionSubscription:
			l.config.Metrics.RecordCredit(tx.Type, tx.Amount)
		}
	}
	l.config.Logger.Info("subscription applied",
		F("user_id", req.UserID),
		F("action", string(req.Action)),
		F("plan", planKey),
		F("reference_id", req.ReferenceID),
		F("balance", res.Balance.Total),
	)
	return res, nil
}

// GetHistory returns a page of transactions, most recent first
func (l *Ledger) GetHistory(ctx context.Context, userID string, limit, offset int) (*History, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if limit <= 0 {
		limit = l.config.DefaultHistoryLimit
	}
	if limit > l.config.MaxHistoryLimit {
		limit = l.config.MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	start := time.Now()
	txs, total, err := l.storage.ListTransactions(ctx, userID, limit, offset)
	l.config.Metrics.RecordStorageOperation("list_transactions", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	return &History{Transactions: txs, Total: total}, nil
}

// DeleteAccount removes the account and its whole transaction log
func (l *Ledger) DeleteAccount(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	start := time.Now()
	err := l.storage.DeleteAccount(ctx, userID)
	l.config.Metrics.RecordStorageOperation("delete_account", time.Since(start), err)
	if err != nil {
		return err
	}
	l.config.Logger.Info("credit account deleted", F("user_id", userID))
	return nil
}

const reconcilePageSize = 500

// Reconcile recomputes both pools from the transaction log and compares them with the stored balances
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*ReconcileReport, error) {
	acct, err := l.storage.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	var subscription, purchased, count int
	for offset := 0; ; offset += reconcilePageSize {
		txs, total, err := l.storage.ListTransactions(ctx, userID, reconcilePageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			subscription += tx.SubscriptionDelta
			purchased += tx.PurchasedDelta
		}
		count += len(txs)
		if len(txs) == 0 || offset+len(txs) >= total {
			break
		}
	}

	report := &ReconcileReport{
		UserID:           userID,
		Stored:           acct.Balance(),
		Computed:         NewBalance(subscription, purchased),
		TransactionCount: count,
	}
	if !report.Consistent() {
		l.config.Logger.Error("ledger drift detected",
			F("user_id", userID),
			F("stored_total", report.Stored.Total),
			F("computed_total", report.Computed.Total),
		)
	}
	return report, nil
}

// ExpirationWarning describes upcoming expiry of subscription credits
type ExpirationWarning struct {
	Warn          bool
	PlanKey       string
	DaysRemaining int
	ExpiresAt     time.Time
	Amount        int
}

// ExpirationWarning reports whether the user's subscription credits expire soon.
// Users without a plan, or whose plan is unknown, never get a warning.
func (l *Ledger) ExpirationWarning(ctx context.Context, userID string) (*ExpirationWarning, error) {
	acct, err := l.EnsureAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &ExpirationWarning{PlanKey: acct.PlanKey}
	if acct.PlanKey == "" || l.config.Catalog == nil || acct.CycleAnchor.IsZero() {
		return out, nil
	}
	plan, err := l.config.Catalog.ResolveByKey(acct.PlanKey)
	if err != nil {
		return out, nil
	}

	now := l.now()
	_, end := CurrentCycleForAnchor(acct.CycleAnchor, now)
	out.ExpiresAt = end
	out.DaysRemaining = DaysUntilCycleEnd(acct.CycleAnchor, now)
	out.Amount = acct.SubscriptionBalance
	out.Warn = acct.SubscriptionBalance > 0 && ShouldWarn(plan, out.DaysRemaining)
	return out, nil
}

// mutate runs op, creating the account and retrying once if it does not exist yet
func (l *Ledger) mutate(ctx context.Context, operation, userID string, op func() (*MutationResult, error)) (*MutationResult, error) {
	start := time.Now()
	res, err := op()
	if errors.Is(err, ErrAccountNotFound) {
		if _, err = l.EnsureAccount(ctx, userID); err == nil {
			res, err = op()
		}
	}
	l.config.Metrics.RecordStorageOperation(operation, time.Since(start), storageError(err))
	return res, err
}

// storageError filters out business outcomes so they do not count as storage failures
func storageError(err error) error {
	if err == nil || errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrStaleEvent) {
		return nil
	}
	return err
}
