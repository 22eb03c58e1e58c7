// Package processing runs a processing request through the full credit pipeline:
// rate limit, pricing, reservation and provider routing.
package processing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/pkg/providers"
)

// ErrDuplicateJob is returned when a job id has already been charged
var ErrDuplicateJob = errors.New("job already processed")

// ErrEmptyBatch is returned for requests without images
var ErrEmptyBatch = errors.New("no images in request")

// Ledger is the part of the credit ledger the pipeline needs
type Ledger interface {
	EnsureAccount(ctx context.Context, userID string) (*gocredits.Account, error)
	GetBalance(ctx context.Context, userID string) (gocredits.Balance, error)
	ReserveAndDebit(ctx context.Context, userID string, amount int, referenceID string, txType gocredits.TransactionType) (*gocredits.MutationResult, error)
}

// Limiter enforces the per-plan batch and hourly limits. *gocredits.RequestLimiter implements it.
type Limiter interface {
	Check(ctx context.Context, userID, planKey string, batchSize int) (*gocredits.RateLimitInfo, error)
}

// Router dispatches a reserved request. *providers.Router implements it.
type Router interface {
	Route(ctx context.Context, req *providers.Request) (*providers.Outcome, error)
}

// Config wires the pipeline stages
type Config struct {
	Ledger  Ledger
	Limiter Limiter
	Costs   *gocredits.CostCalculator
	Router  Router

	// NewJobID generates job ids when the caller supplies none (default: uuid.NewString)
	NewJobID func() string

	Logger gocredits.Logger
}

// Service is the processing pipeline
type Service struct {
	ledger   Ledger
	limiter  Limiter
	costs    *gocredits.CostCalculator
	router   Router
	newJobID func() string
	logger   gocredits.Logger
}

// Request is a batch of images processed with the same options
type Request struct {
	UserID string              `json:"-"`
	Images []providers.Input   `json:"images"`
	Cost   gocredits.CostInput `json:"options"`

	// JobID makes the request idempotent. A new id is generated when empty.
	JobID string `json:"job_id,omitempty"`
}

// Item is the outcome of one image
type Item struct {
	JobID    string              `json:"job_id"`
	Result   *providers.Result   `json:"result,omitempty"`
	Cost     int                 `json:"cost"`
	Attempts []providers.Attempt `json:"-"`
	Err      error               `json:"-"`
	Error    string              `json:"error,omitempty"`
}

// Response is the outcome of a batch
type Response struct {
	JobID     string                   `json:"job_id"`
	Items     []*Item                  `json:"items"`
	UnitCost  int                      `json:"unit_cost"`
	Charged   int                      `json:"charged"`
	Balance   gocredits.Balance        `json:"balance"`
	RateLimit *gocredits.RateLimitInfo `json:"rate_limit,omitempty"`
}

// NewService validates config and returns a Service
func NewService(config Config) (*Service, error) {
	if config.Ledger == nil || config.Limiter == nil || config.Costs == nil || config.Router == nil {
		return nil, fmt.Errorf("%w: ledger, limiter, costs and router are required", gocredits.ErrInvalidConfig)
	}
	if config.NewJobID == nil {
		config.NewJobID = uuid.NewString
	}
	if config.Logger == nil {
		config.Logger = &gocredits.NoopLogger{}
	}
	return &Service{
		ledger:   config.Ledger,
		limiter:  config.Limiter,
		costs:    config.Costs,
		router:   config.Router,
		newJobID: config.NewJobID,
		logger:   config.Logger,
	}, nil
}

// Process checks the user's limits, prices the batch and then reserves and routes each image.
// Limit, pricing and affordability failures reject the whole batch before anything is charged.
// Once routing starts each image succeeds or fails on its own; the returned error is set only
// when no image succeeded.
func (s *Service) Process(ctx context.Context, req *Request) (*Response, error) {
	if req.UserID == "" {
		return nil, gocredits.ErrMissingUserID
	}
	if len(req.Images) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := s.costs.ValidateInput(req.Cost); err != nil {
		return nil, err
	}

	acct, err := s.ledger.EnsureAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	// affordability first: a rejected batch must not use up the hourly window
	unit := s.costs.Calculate(req.Cost)
	if total := unit * len(req.Images); acct.Total() < total {
		return nil, &gocredits.InsufficientCreditsError{UserID: req.UserID, Required: total, Available: acct.Total()}
	}

	info, err := s.limiter.Check(ctx, req.UserID, acct.PlanKey, len(req.Images))
	if err != nil {
		return nil, err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = s.newJobID()
	}
	resp := &Response{JobID: jobID, UnitCost: unit, RateLimit: info}

	var firstErr error
	succeeded := 0
	for i, img := range req.Images {
		item := &Item{JobID: itemJobID(jobID, i, len(req.Images))}
		resp.Items = append(resp.Items, item)

		if err := s.processItem(ctx, req, img, unit, item); err != nil {
			item.Err = err
			item.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			// the remaining images cannot be paid for either
			if errors.Is(err, gocredits.ErrInsufficientCredits) {
				break
			}
			continue
		}
		succeeded++
		resp.Charged += item.Cost
	}

	if bal, err := s.ledger.GetBalance(context.WithoutCancel(ctx), req.UserID); err == nil {
		resp.Balance = bal
	}

	s.logger.Info("processing request finished",
		gocredits.F("user_id", req.UserID),
		gocredits.F("job_id", jobID),
		gocredits.F("images", len(req.Images)),
		gocredits.F("succeeded", succeeded),
		gocredits.F("charged", resp.Charged),
	)
	if succeeded == 0 {
		return resp, firstErr
	}
	return resp, nil
}

func (s *Service) processItem(ctx context.Context, req *Request, img providers.Input, unit int, item *Item) error {
	res, err := s.ledger.ReserveAndDebit(ctx, req.UserID, unit, item.JobID, gocredits.TransactionUsage)
	if err != nil {
		return err
	}
	if res.Duplicate {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, item.JobID)
	}

	out, err := s.router.Route(ctx, &providers.Request{
		UserID: req.UserID,
		Input:  img,
		Opts: providers.Options{
			Tier:          req.Cost.Tier,
			Scale:         req.Cost.Scale,
			SmartAnalysis: req.Cost.SmartAnalysis,
			EstimatedCost: unit,
			JobID:         item.JobID,
		},
		ReservedCost: unit,
	})
	if err != nil {
		var exhausted *providers.AllProvidersExhaustedError
		if errors.As(err, &exhausted) {
			item.Attempts = exhausted.Attempts
		}
		return err
	}
	item.Result = out.Result
	item.Attempts = out.Attempts
	item.Cost = out.ChargedCost
	return nil
}

// itemJobID is the ledger reference of one image: the job id itself for single images
func itemJobID(jobID string, i, n int) string {
	if n == 1 {
		return jobID
	}
	return fmt.Sprintf("%s:%d", jobID, i)
}
