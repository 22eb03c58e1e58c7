// Package reserve holds the charge-then-settle flow shared by the framework middlewares.
package reserve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// ErrDuplicateRequest is returned when the reference id was already charged
var ErrDuplicateRequest = errors.New("request already charged")

// Ledger is the part of the credit ledger a reservation needs
type Ledger interface {
	EnsureAccount(ctx context.Context, userID string) (*gocredits.Account, error)
	ReserveAndDebit(ctx context.Context, userID string, amount int, referenceID string, txType gocredits.TransactionType) (*gocredits.MutationResult, error)
	Refund(ctx context.Context, userID string, amount int, referenceID string) (*gocredits.MutationResult, error)
}

// Limiter enforces the per-plan hourly limit
type Limiter interface {
	Check(ctx context.Context, userID, planKey string, batchSize int) (*gocredits.RateLimitInfo, error)
}

// Reserver charges requests before they reach the handler
type Reserver struct {
	ledger  Ledger
	limiter Limiter
	logger  gocredits.Logger
}

// New returns a Reserver. limiter may be nil.
func New(ledger Ledger, limiter Limiter, logger gocredits.Logger) *Reserver {
	if logger == nil {
		logger = &gocredits.NoopLogger{}
	}
	return &Reserver{ledger: ledger, limiter: limiter, logger: logger}
}

// Reservation is a debit made for one request
type Reservation struct {
	UserID      string
	ReferenceID string
	Amount      int
	Balance     gocredits.Balance
	RateLimit   *gocredits.RateLimitInfo

	r *Reserver
}

// ReferenceID returns header when set, otherwise a fresh id
func ReferenceID(header string) string {
	if header != "" {
		return header
	}
	return uuid.NewString()
}

// Reserve checks the hourly limit and debits amount under referenceID
func (r *Reserver) Reserve(ctx context.Context, userID string, amount int, referenceID string) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", gocredits.ErrInvalidAmount, amount)
	}

	var info *gocredits.RateLimitInfo
	if r.limiter != nil {
		acct, err := r.ledger.EnsureAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		info, err = r.limiter.Check(ctx, userID, acct.PlanKey, 1)
		if err != nil {
			return nil, err
		}
	}

	res, err := r.ledger.ReserveAndDebit(ctx, userID, amount, referenceID, gocredits.TransactionUsage)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, referenceID)
	}

	return &Reservation{
		UserID:      userID,
		ReferenceID: referenceID,
		Amount:      amount,
		Balance:     res.Balance,
		RateLimit:   info,
		r:           r,
	}, nil
}

// Release refunds the reservation. It runs detached from ctx cancellation so a
// client disconnect cannot leave the user charged.
func (v *Reservation) Release(ctx context.Context) {
	_, err := v.r.ledger.Refund(context.WithoutCancel(ctx), v.UserID, v.Amount, v.ReferenceID)
	if err != nil {
		v.r.logger.Error("failed to refund reservation",
			gocredits.F("user_id", v.UserID),
			gocredits.F("reference_id", v.ReferenceID),
			gocredits.F("amount", v.Amount),
			gocredits.F("error", err),
		)
		return
	}
	v.r.logger.Info("reservation refunded",
		gocredits.F("user_id", v.UserID),
		gocredits.F("reference_id", v.ReferenceID),
		gocredits.F("amount", v.Amount),
	)
}

// Headers are set on every charged response
func (v *Reservation) Headers() map[string]string {
	h := map[string]string{
		"X-Credits-Charged":   strconv.Itoa(v.Amount),
		"X-Credits-Remaining": strconv.Itoa(v.Balance.Total),
		"X-Credits-Reference": v.ReferenceID,
	}
	if v.RateLimit != nil {
		for k, val := range RateLimitHeaders(v.RateLimit) {
			h[k] = val
		}
	}
	return h
}

// RateLimitHeaders returns the X-RateLimit-* headers for info
func RateLimitHeaders(info *gocredits.RateLimitInfo) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(info.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(info.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetTime.Unix(), 10),
	}
}

// RetryAfter returns the Retry-After value in whole seconds, or "" when unknown
func RetryAfter(info *gocredits.RateLimitInfo, now time.Time) string {
	if info == nil {
		return ""
	}
	d := info.ResetTime.Sub(now)
	if d <= 0 {
		return ""
	}
	return strconv.Itoa(int(d.Round(time.Second).Seconds()))
}

// ShouldRelease is the default settle rule: server errors give the credits back
func ShouldRelease(status int) bool {
	return status >= http.StatusInternalServerError
}

// Failure classifies an error returned by Reserve
type Failure int

const (
	FailureInternal Failure = iota
	FailureBadRequest
	FailureInsufficientCredits
	FailureRateLimited
	FailureDuplicate
)

// Classify maps a Reserve error to a Failure and its HTTP status
func Classify(err error) (Failure, int) {
	switch {
	case errors.Is(err, gocredits.ErrInsufficientCredits):
		return FailureInsufficientCredits, http.StatusPaymentRequired
	case errors.Is(err, gocredits.ErrRateLimitExceeded):
		return FailureRateLimited, http.StatusTooManyRequests
	case errors.Is(err, ErrDuplicateRequest):
		return FailureDuplicate, http.StatusConflict
	case errors.Is(err, gocredits.ErrInvalidAmount):
		return FailureBadRequest, http.StatusBadRequest
	default:
		return FailureInternal, http.StatusInternalServerError
	}
}
