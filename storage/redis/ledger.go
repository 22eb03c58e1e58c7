package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// referenceTypes are the transaction types a single reference can be written under
var referenceTypes = []gocredits.TransactionType{
	gocredits.TransactionPurchase,
	gocredits.TransactionSubscription,
	gocredits.TransactionUsage,
	gocredits.TransactionRefund,
	gocredits.TransactionBonus,
	gocredits.TransactionExpiration,
}

func refField(txType gocredits.TransactionType, referenceID string) string {
	return string(txType) + "|" + referenceID
}

// GetAccount implements gocredits.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*gocredits.Account, error) {
	return readAccount(ctx, s.client, s.accountKey(userID))
}

func readAccount(ctx context.Context, c redis.Cmdable, key string) (*gocredits.Account, error) {
	data, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, gocredits.ErrAccountNotFound
	}
	if err != nil {
		return nil, storageError("get account", err)
	}
	return decodeAccount(data)
}

func decodeAccount(data string) (*gocredits.Account, error) {
	var acct gocredits.Account
	if err := json.Unmarshal([]byte(data), &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acct, nil
}

// Results of the commit script
const (
	commitApplied   = 0
	commitDuplicate = 1
	commitConflict  = 2
)

// errConflict means another writer changed the account between read and commit
var errConflict = errors.New("account changed concurrently")

// CreateAccount implements gocredits.Storage
func (s *Storage) CreateAccount(ctx context.Context, req *gocredits.CreateAccountRequest) (*gocredits.Account, bool, error) {
	if req.UserID == "" {
		return nil, false, gocredits.ErrMissingUserID
	}

	fresh, txs := req.Apply()
	code, stored, err := s.commit(ctx, req.UserID, "", fresh, txs, "")
	if err != nil {
		return nil, false, err
	}
	if code == commitApplied {
		return fresh, true, nil
	}
	existing, err := decodeAccount(stored)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
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

// mutate applies the request to a snapshot of the account and commits it with the
// commit script, which fails when the stored account is no longer the snapshot.
// A lost race is retried against the account the script returned until ctx ends,
// so contention alone never fails a mutation. An empty txType skips the idempotency check.
func (s *Storage) mutate(
	ctx context.Context, userID string, txType gocredits.TransactionType, ref string,
	apply func(*gocredits.Account) ([]*gocredits.Transaction, error),
) (*gocredits.MutationResult, error) {
	field := ""
	if txType != "" {
		field = refField(txType, ref)
	}

	current, exists, err := s.snapshot(ctx, userID, field)
	if err != nil {
		return nil, err
	}
	if exists {
		return s.duplicate(ctx, userID, ref, current)
	}

	var result *gocredits.MutationResult
	op := func() error {
		acct, err := decodeAccount(current)
		if err != nil {
			return backoff.Permanent(err)
		}
		working := *acct
		txs, err := apply(&working)
		if err != nil {
			return backoff.Permanent(err)
		}

		code, stored, err := s.commit(ctx, userID, current, &working, txs, field)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch code {
		case commitApplied:
			result = &gocredits.MutationResult{
				Balance:      working.Balance(),
				Transactions: txs,
			}
			return nil
		case commitDuplicate:
			result, err = s.duplicate(ctx, userID, ref, stored)
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		default:
			if stored == "" {
				return backoff.Permanent(gocredits.ErrAccountNotFound)
			}
			current = stored
			return errConflict
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(s.conflictBackOff(), ctx)); err != nil {
		if errors.Is(err, errConflict) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			return nil, storageError("commit "+s.accountKey(userID), err)
		}
		return nil, err
	}
	return result, nil
}

// conflictBackOff spaces out retries of lost commits. It never gives up on its own.
func (s *Storage) conflictBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond
	policy.MaxInterval = s.config.MaxRetryInterval
	policy.MaxElapsedTime = 0
	return policy
}

// snapshot reads the raw account and whether field is already recorded, in one MULTI
func (s *Storage) snapshot(ctx context.Context, userID, field string) (string, bool, error) {
	var (
		getCmd    *redis.StringCmd
		existsCmd *redis.BoolCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, s.accountKey(userID))
		if field != "" {
			existsCmd = pipe.HExists(ctx, s.txRefKey(userID), field)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, storageError("read account", err)
	}

	current, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, gocredits.ErrAccountNotFound
	}
	if err != nil {
		return "", false, storageError("read account", err)
	}
	return current, existsCmd != nil && existsCmd.Val(), nil
}

// duplicate builds the result of a mutation whose reference was already written
func (s *Storage) duplicate(ctx context.Context, userID, ref, current string) (*gocredits.MutationResult, error) {
	acct, err := decodeAccount(current)
	if err != nil {
		return nil, err
	}
	txs, err := s.byReference(ctx, s.client, userID, ref)
	if err != nil {
		return nil, err
	}
	return &gocredits.MutationResult{
		Balance:      acct.Balance(),
		Transactions: txs,
		Duplicate:    true,
	}, nil
}

// commit runs the commit script: acct replaces the stored account if it still equals
// expected ("" when the account must not exist yet) and field is not recorded, and txs
// are appended to the log. The stored account is returned on a duplicate or conflict.
func (s *Storage) commit(
	ctx context.Context, userID, expected string, acct *gocredits.Account, txs []*gocredits.Transaction, field string,
) (int, string, error) {
	acctData, err := json.Marshal(acct)
	if err != nil {
		return 0, "", fmt.Errorf("failed to marshal account: %w", err)
	}

	args := make([]interface{}, 0, 3+2*len(txs))
	args = append(args, expected, acctData, field)
	for _, t := range txs {
		data, err := json.Marshal(t)
		if err != nil {
			return 0, "", fmt.Errorf("failed to marshal transaction: %w", err)
		}
		args = append(args, refField(t.Type, t.ReferenceID), data)
	}

	keys := []string{s.accountKey(userID), s.txLogKey(userID), s.txRefKey(userID)}
	vals, err := s.scripts["commit"].Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return 0, "", storageError("commit", err)
	}
	if len(vals) != 2 {
		return 0, "", fmt.Errorf("unexpected commit script reply: %v", vals)
	}
	code, _ := vals[0].(int64)
	stored, _ := vals[1].(string)
	return int(code), stored, nil
}

// byReference returns every transaction written under ref, oldest first
func (s *Storage) byReference(ctx context.Context, c redis.Cmdable, userID, ref string) ([]*gocredits.Transaction, error) {
	fields := make([]string, len(referenceTypes))
	for i, t := range referenceTypes {
		fields[i] = refField(t, ref)
	}
	vals, err := c.HMGet(ctx, s.txRefKey(userID), fields...).Result()
	if err != nil {
		return nil, storageError("get references", err)
	}

	var txs []*gocredits.Transaction
	for _, v := range vals {
		data, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decodeTransaction(data)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
	return txs, nil
}

func decodeTransaction(data string) (*gocredits.Transaction, error) {
	var t gocredits.Transaction
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &t, nil
}

// GetTransaction implements gocredits.Storage
func (s *Storage) GetTransaction(
	ctx context.Context, userID string, txType gocredits.TransactionType, referenceID string,
) (*gocredits.Transaction, error) {
	data, err := s.client.HGet(ctx, s.txRefKey(userID), refField(txType, referenceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("get transaction", err)
	}
	return decodeTransaction(data)
}

// ListTransactions implements gocredits.Storage.
// The log is stored oldest first, so the page is read with negative indexes and reversed.
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*gocredits.Transaction, int, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-(offset + 1))
	start := int64(0)
	if limit > 0 {
		start = int64(-(offset + limit))
	}

	logKey := s.txLogKey(userID)
	var (
		lenCmd   *redis.IntCmd
		rangeCmd *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lenCmd = pipe.LLen(ctx, logKey)
		rangeCmd = pipe.LRange(ctx, logKey, start, stop)
		return nil
	})
	if err != nil {
		return nil, 0, storageError("list transactions", err)
	}

	total := int(lenCmd.Val())
	if offset >= total {
		return []*gocredits.Transaction{}, total, nil
	}

	raw := rangeCmd.Val()
	txs := make([]*gocredits.Transaction, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		t, err := decodeTransaction(raw[i])
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, t)
	}
	return txs, total, nil
}

// DeleteAccount implements gocredits.Storage
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	var acctDel *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		acctDel = pipe.Del(ctx, s.accountKey(userID))
		pipe.Del(ctx, s.txLogKey(userID), s.txRefKey(userID), s.rateLimitKey(userID))
		return nil
	})
	if err != nil {
		return storageError("delete account", err)
	}
	if acctDel.Val() == 0 {
		return gocredits.ErrAccountNotFound
	}
	return nil
}
