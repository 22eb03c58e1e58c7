package firestore

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

func accountData(acct *gocredits.Account, transactionCount int) map[string]interface{} {
	return map[string]interface{}{
		"subscriptionBalance": acct.SubscriptionBalance,
		"purchasedBalance":    acct.PurchasedBalance,
		"planKey":             acct.PlanKey,
		"subscriptionId":      acct.SubscriptionID,
		"customerId":          acct.CustomerID,
		"cycleAnchor":         timeOrNil(acct.CycleAnchor),
		"subscriptionEventAt": timeOrNil(acct.SubscriptionEventAt),
		"createdAt":           acct.CreatedAt,
		"updatedAt":           acct.UpdatedAt,
		"transactionCount":    transactionCount,
	}
}

func accountFromData(userID string, data map[string]interface{}) *gocredits.Account {
	return &gocredits.Account{
		UserID:              userID,
		SubscriptionBalance: getInt(data, "subscriptionBalance"),
		PurchasedBalance:    getInt(data, "purchasedBalance"),
		PlanKey:             getString(data, "planKey"),
		SubscriptionID:      getString(data, "subscriptionId"),
		CustomerID:          getString(data, "customerId"),
		CycleAnchor:         getTime(data, "cycleAnchor"),
		SubscriptionEventAt: getTime(data, "subscriptionEventAt"),
		CreatedAt:           getTime(data, "createdAt"),
		UpdatedAt:           getTime(data, "updatedAt"),
	}
}

// timeOrNil stores the zero time as null
func timeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func transactionData(t *gocredits.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"id":                       t.ID,
		"userId":                   t.UserID,
		"type":                     string(t.Type),
		"amount":                   t.Amount,
		"subscriptionDelta":        t.SubscriptionDelta,
		"purchasedDelta":           t.PurchasedDelta,
		"referenceId":              t.ReferenceID,
		"subscriptionBalanceAfter": t.BalanceAfter.SubscriptionBalance,
		"purchasedBalanceAfter":    t.BalanceAfter.PurchasedBalance,
		"description":              t.Description,
		"createdAt":                t.CreatedAt,
	}
}

func transactionFromData(data map[string]interface{}) *gocredits.Transaction {
	return &gocredits.Transaction{
		ID:                getString(data, "id"),
		UserID:            getString(data, "userId"),
		Type:              gocredits.TransactionType(getString(data, "type")),
		Amount:            getInt(data, "amount"),
		SubscriptionDelta: getInt(data, "subscriptionDelta"),
		PurchasedDelta:    getInt(data, "purchasedDelta"),
		ReferenceID:       getString(data, "referenceId"),
		BalanceAfter: gocredits.NewBalance(
			getInt(data, "subscriptionBalanceAfter"), getInt(data, "purchasedBalanceAfter")),
		Description: getString(data, "description"),
		CreatedAt:   getTime(data, "createdAt"),
	}
}

// GetAccount implements gocredits.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*gocredits.Account, error) {
	snap, err := s.accountDoc(userID).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, gocredits.ErrAccountNotFound
		}
		return nil, storageError("get account", err)
	}
	return accountFromData(userID, snap.Data()), nil
}

// CreateAccount implements gocredits.Storage
func (s *Storage) CreateAccount(ctx context.Context, req *gocredits.CreateAccountRequest) (*gocredits.Account, bool, error) {
	if req.UserID == "" {
		return nil, false, gocredits.ErrMissingUserID
	}

	var (
		acct    *gocredits.Account
		created bool
	)
	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.accountDoc(req.UserID))
		if err != nil && !notFound(err) {
			return storageError("get account", err)
		}
		if snap != nil && snap.Exists() {
			acct, created = accountFromData(req.UserID, snap.Data()), false
			return nil
		}

		fresh, txs := req.Apply()
		if err := tx.Create(s.accountDoc(req.UserID), accountData(fresh, len(txs))); err != nil {
			return err
		}
		if err := s.writeTransactions(tx, txs); err != nil {
			return err
		}
		acct, created = fresh, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return acct, created, nil
}

func (s *Storage) writeTransactions(tx *firestore.Transaction, txs []*gocredits.Transaction) error {
	for _, t := range txs {
		data := transactionData(t)
		if err := tx.Create(s.transactionsColl(t.UserID).Doc(t.ID), data); err != nil {
			return err
		}
		if err := tx.Create(s.referenceDoc(t.UserID, t.Type, t.ReferenceID), data); err != nil {
			return err
		}
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

// mutate runs apply inside a Firestore transaction. An empty txType skips the idempotency check.
func (s *Storage) mutate(
	ctx context.Context, userID string, txType gocredits.TransactionType, ref string,
	apply func(*gocredits.Account) ([]*gocredits.Transaction, error),
) (*gocredits.MutationResult, error) {
	var result *gocredits.MutationResult

	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.accountDoc(userID))
		if err != nil {
			if notFound(err) {
				return gocredits.ErrAccountNotFound
			}
			return storageError("get account", err)
		}
		data := snap.Data()
		acct := accountFromData(userID, data)
		count := getInt(data, "transactionCount")

		if txType != "" {
			refSnap, err := tx.Get(s.referenceDoc(userID, txType, ref))
			if err != nil && !notFound(err) {
				return storageError("check reference", err)
			}
			if refSnap != nil && refSnap.Exists() {
				docs, err := tx.Documents(s.transactionsColl(userID).Where("referenceId", "==", ref)).GetAll()
				if err != nil {
					return storageError("get references", err)
				}
				txs := make([]*gocredits.Transaction, 0, len(docs))
				for _, d := range docs {
					txs = append(txs, transactionFromData(d.Data()))
				}
				sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
				result = &gocredits.MutationResult{
					Balance:      acct.Balance(),
					Transactions: txs,
					Duplicate:    true,
				}
				return nil
			}
		}

		working := *acct
		txs, err := apply(&working)
		if err != nil {
			return err
		}
		if err := tx.Set(s.accountDoc(userID), accountData(&working, count+len(txs))); err != nil {
			return err
		}
		if err := s.writeTransactions(tx, txs); err != nil {
			return err
		}
		result = &gocredits.MutationResult{
			Balance:      working.Balance(),
			Transactions: txs,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetTransaction implements gocredits.Storage
func (s *Storage) GetTransaction(
	ctx context.Context, userID string, txType gocredits.TransactionType, referenceID string,
) (*gocredits.Transaction, error) {
	snap, err := s.referenceDoc(userID, txType, referenceID).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, storageError("get transaction", err)
	}
	return transactionFromData(snap.Data()), nil
}

// ListTransactions implements gocredits.Storage.
// The total comes from the counter kept on the account document.
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*gocredits.Transaction, int, error) {
	acctSnap, err := s.accountDoc(userID).Get(ctx)
	if err != nil {
		if notFound(err) {
			return []*gocredits.Transaction{}, 0, nil
		}
		return nil, 0, storageError("get account", err)
	}
	total := getInt(acctSnap.Data(), "transactionCount")
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*gocredits.Transaction{}, total, nil
	}

	query := s.transactionsColl(userID).OrderBy(firestore.DocumentID, firestore.Desc).Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	txs := []*gocredits.Transaction{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, storageError("list transactions", err)
		}
		txs = append(txs, transactionFromData(doc.Data()))
	}
	return txs, total, nil
}

// DeleteAccount implements gocredits.Storage.
// Subcollection documents are removed with a BulkWriter before the account document.
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	acctRef := s.accountDoc(userID)
	if _, err := acctRef.Get(ctx); err != nil {
		if notFound(err) {
			return gocredits.ErrAccountNotFound
		}
		return storageError("get account", err)
	}

	bw := s.client.BulkWriter(ctx)
	for _, coll := range []*firestore.CollectionRef{acctRef.Collection("transactions"), acctRef.Collection("references")} {
		docs, err := coll.DocumentRefs(ctx).GetAll()
		if err != nil {
			bw.End()
			return storageError("list account documents", err)
		}
		for _, d := range docs {
			if _, err := bw.Delete(d); err != nil {
				bw.End()
				return storageError("delete account documents", err)
			}
		}
	}
	if _, err := bw.Delete(s.rateLimitDoc(userID)); err != nil {
		bw.End()
		return storageError("delete rate limit", err)
	}
	bw.End()

	if _, err := acctRef.Delete(ctx); err != nil {
		return storageError("delete account", err)
	}
	return nil
}
