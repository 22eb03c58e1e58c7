package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

const accountColumns = `user_id, subscription_balance, purchased_balance, plan_key, subscription_id,
	customer_id, cycle_anchor, subscription_event_at, created_at, updated_at`

const transactionColumns = `id, user_id, type, amount, subscription_delta, purchased_delta, reference_id,
	subscription_balance_after, purchased_balance_after, description, created_at`

func scanAccount(row pgx.Row) (*gocredits.Account, error) {
	var (
		acct                 gocredits.Account
		cycleAnchor, eventAt *time.Time
		createdAt, updatedAt time.Time
	)
	err := row.Scan(&acct.UserID, &acct.SubscriptionBalance, &acct.PurchasedBalance, &acct.PlanKey,
		&acct.SubscriptionID, &acct.CustomerID, &cycleAnchor, &eventAt, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocredits.ErrAccountNotFound
	}
	if err != nil {
		return nil, storageError("scan account", err)
	}
	acct.CycleAnchor = fromNullTime(cycleAnchor)
	acct.SubscriptionEventAt = fromNullTime(eventAt)
	acct.CreatedAt = createdAt.UTC()
	acct.UpdatedAt = updatedAt.UTC()
	return &acct, nil
}

func scanTransaction(row pgx.Row) (*gocredits.Transaction, error) {
	var (
		t                    gocredits.Transaction
		txType               string
		subAfter, purchAfter int
		createdAt            time.Time
	)
	err := row.Scan(&t.ID, &t.UserID, &txType, &t.Amount, &t.SubscriptionDelta, &t.PurchasedDelta,
		&t.ReferenceID, &subAfter, &purchAfter, &t.Description, &createdAt)
	if err != nil {
		return nil, err
	}
	t.Type = gocredits.TransactionType(txType)
	t.BalanceAfter = gocredits.NewBalance(subAfter, purchAfter)
	t.CreatedAt = createdAt.UTC()
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*gocredits.Transaction, error) {
	defer rows.Close()

	txs := []*gocredits.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, storageError("scan transaction", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("read transactions", err)
	}
	return txs, nil
}

// GetAccount implements gocredits.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*gocredits.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID))
}

// CreateAccount implements gocredits.Storage
func (s *Storage) CreateAccount(ctx context.Context, req *gocredits.CreateAccountRequest) (*gocredits.Account, bool, error) {
	if req.UserID == "" {
		return nil, false, gocredits.ErrMissingUserID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, storageError("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, txs := req.Apply()
	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (`+accountColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (user_id) DO NOTHING`,
		accountArgs(acct)...)
	if err != nil {
		return nil, false, storageError("insert account", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, req.UserID))
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := insertTransactions(ctx, tx, txs); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, storageError("commit", err)
	}
	return acct, true, nil
}

func accountArgs(acct *gocredits.Account) []any {
	return []any{
		acct.UserID, acct.SubscriptionBalance, acct.PurchasedBalance, acct.PlanKey, acct.SubscriptionID,
		acct.CustomerID, nullTime(acct.CycleAnchor), nullTime(acct.SubscriptionEventAt),
		acct.CreatedAt.UTC(), acct.UpdatedAt.UTC(),
	}
}

func insertTransactions(ctx context.Context, tx pgx.Tx, txs []*gocredits.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(
			`INSERT INTO credit_transactions (`+transactionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.UserID, string(t.Type), t.Amount, t.SubscriptionDelta, t.PurchasedDelta, t.ReferenceID,
			t.BalanceAfter.SubscriptionBalance, t.BalanceAfter.PurchasedBalance, t.Description, t.CreatedAt.UTC(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return storageError("insert transactions", err)
	}
	return nil
}

// Debit implements gocredits.Storage
func (s *Storage) Debit(ctx context.Context, req *gocredits.DebitRequest) (*gocredits.MutationResult, error) {
	return s.mutate(ctx, req.UserID, req.Type, req.ReferenceID, req.Apply)
}

// Credit implements gocredits.Storage
func (s *Storage) Credit(ctx context.Context, req *gocredits.CreditRequest) (*gocredits.MutationResult, error) {
	return s.mutate(ctx, req.UserID, req.Type, req.ReferenceID, req.Apply)
}

// ApplySubscription implements gocredits.Storage
func (s *Storage) ApplySubscription(ctx context.Context, req *gocredits.SubscriptionRequest) (*gocredits.MutationResult, error) {
	return s.mutate(ctx, req.UserID, req.IdempotencyType(), req.ReferenceID, req.Apply)
}

// mutate locks the account row, checks the idempotency key and writes the result of apply.
// An empty txType skips the idempotency check.
func (s *Storage) mutate(
	ctx context.Context, userID string, txType gocredits.TransactionType, ref string,
	apply func(*gocredits.Account) ([]*gocredits.Transaction, error),
) (*gocredits.MutationResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storageError("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}

	if txType != "" {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_transactions
				WHERE user_id = $1 AND type = $2 AND reference_id = $3)`,
			userID, string(txType), ref).Scan(&exists)
		if err != nil {
			return nil, storageError("check reference", err)
		}
		if exists {
			rows, err := tx.Query(ctx,
				`SELECT `+transactionColumns+` FROM credit_transactions
					WHERE user_id = $1 AND reference_id = $2 ORDER BY id`,
				userID, ref)
			if err != nil {
				return nil, storageError("get references", err)
			}
			txs, err := collectTransactions(rows)
			if err != nil {
				return nil, err
			}
			return &gocredits.MutationResult{
				Balance:      acct.Balance(),
				Transactions: txs,
				Duplicate:    true,
			}, nil
		}
	}

	working := *acct
	txs, err := apply(&working)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_accounts
			SET subscription_balance = $2, purchased_balance = $3, plan_key = $4, subscription_id = $5,
				customer_id = $6, cycle_anchor = $7, subscription_event_at = $8, updated_at = $9
			WHERE user_id = $1`,
		working.UserID, working.SubscriptionBalance, working.PurchasedBalance, working.PlanKey,
		working.SubscriptionID, working.CustomerID, nullTime(working.CycleAnchor),
		nullTime(working.SubscriptionEventAt), working.UpdatedAt.UTC())
	if err != nil {
		return nil, storageError("update account", err)
	}
	if err := insertTransactions(ctx, tx, txs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageError("commit", err)
	}

	return &gocredits.MutationResult{
		Balance:      working.Balance(),
		Transactions: txs,
	}, nil
}

// GetTransaction implements gocredits.Storage
func (s *Storage) GetTransaction(
	ctx context.Context, userID string, txType gocredits.TransactionType, referenceID string,
) (*gocredits.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
			WHERE user_id = $1 AND type = $2 AND reference_id = $3`,
		userID, string(txType), referenceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("get transaction", err)
	}
	return t, nil
}

// ListTransactions implements gocredits.Storage
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*gocredits.Transaction, int, error) {
	if offset < 0 {
		offset = 0
	}
	var pageLimit any
	if limit > 0 {
		pageLimit = limit
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM credit_transactions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, storageError("count transactions", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
			WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		userID, pageLimit, offset)
	if err != nil {
		return nil, 0, storageError("list transactions", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// DeleteAccount implements gocredits.Storage.
// Transactions go with the account through ON DELETE CASCADE.
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageError("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM credit_accounts WHERE user_id = $1`, userID)
	if err != nil {
		return storageError("delete account", err)
	}
	if tag.RowsAffected() == 0 {
		return gocredits.ErrAccountNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rate_limit_entries WHERE user_id = $1`, userID); err != nil {
		return storageError("delete rate limit entries", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError("commit", err)
	}
	return nil
}

// CheckRateLimit implements gocredits.Storage.
// A transaction-scoped advisory lock serializes checks for the same user.
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, time.Time{}, storageError("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('ratelimit:' || $1::text))`, req.UserID); err != nil {
		return false, 0, time.Time{}, storageError("lock rate limit", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM rate_limit_entries WHERE user_id = $1 AND at <= $2`,
		req.UserID, now.Add(-req.Window)); err != nil {
		return false, 0, time.Time{}, storageError("trim rate limit window", err)
	}

	var (
		used   int
		oldest *time.Time
	)
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(weight), 0), MIN(at) FROM rate_limit_entries WHERE user_id = $1`,
		req.UserID).Scan(&used, &oldest); err != nil {
		return false, 0, time.Time{}, storageError("read rate limit window", err)
	}

	reset := now.Add(req.Window)
	if oldest != nil {
		reset = oldest.UTC().Add(req.Window)
	}

	allowed := used+weight <= req.Rate
	remaining := req.Rate - used
	if allowed {
		remaining -= weight
		if _, err := tx.Exec(ctx,
			`INSERT INTO rate_limit_entries (user_id, at, weight) VALUES ($1, $2, $3)`,
			req.UserID, now, weight); err != nil {
			return false, 0, time.Time{}, storageError("record rate limit entry", err)
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, time.Time{}, storageError("commit", err)
	}
	return allowed, remaining, reset, nil
}
