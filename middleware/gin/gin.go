// Package gin provides Gin middleware that charges credits before the handler runs
package gin

import (
	"errors"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gocredits/middleware/internal/reserve"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// ReservationKey is the gin context key holding the *reserve.Reservation of the request
const ReservationKey = "gocredits.reservation"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// CostExtractor calculates the credit cost of the request
type CostExtractor func(c *gongin.Context) (int, error)

// ReferenceExtractor returns the idempotency reference of the request.
// An empty result makes the middleware generate one.
type ReferenceExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger (required)
	Ledger *gocredits.Ledger

	// Limiter enforces the per-plan hourly limit (optional)
	Limiter *gocredits.RequestLimiter

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetCost calculates the credits to reserve (required)
	GetCost CostExtractor

	// GetReferenceID extracts the idempotency reference
	// If nil, defaults to extracting from X-Request-ID header
	GetReferenceID ReferenceExtractor

	// ShouldRelease decides from the handler's status whether the credits are refunded
	// Default: refund on 5xx
	ShouldRelease func(status int) bool

	// OnInsufficientCredits is called when the balance cannot cover the cost
	// If nil, returns 402 JSON with the required and available amounts
	OnInsufficientCredits func(c *gongin.Context, err *gocredits.InsufficientCreditsError)

	// OnRateLimitExceeded is called when the hourly limit is reached
	// If nil, uses default response: 429 JSON with rate limit headers
	OnRateLimitExceeded func(c *gongin.Context, retryAfter time.Duration, info *gocredits.RateLimitInfo)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns a JSON error with the matching status
	OnError func(c *gongin.Context, err error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger gocredits.Logger
}

// Middleware creates a Gin middleware that reserves credits before the handler
// and refunds them when the handler fails
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gocredits/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredits/gin: Config.GetUserID is required")
	}
	if cfg.GetCost == nil {
		panic("gocredits/gin: Config.GetCost is required")
	}

	if cfg.GetReferenceID == nil {
		cfg.GetReferenceID = ReferenceFromHeader("X-Request-ID")
	}
	if cfg.ShouldRelease == nil {
		cfg.ShouldRelease = reserve.ShouldRelease
	}
	var limiter reserve.Limiter
	if cfg.Limiter != nil {
		limiter = cfg.Limiter
	}
	reserver := reserve.New(cfg.Ledger, limiter, cfg.Logger)

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		cost, err := cfg.GetCost(c)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		res, err := reserver.Reserve(ctx, userID, cost, reserve.ReferenceID(cfg.GetReferenceID(c)))
		if err != nil {
			handleReserveError(c, &cfg, err)
			c.Abort()
			return
		}

		for k, v := range res.Headers() {
			c.Header(k, v)
		}
		c.Set(ReservationKey, res)

		c.Next()

		if cfg.ShouldRelease(c.Writer.Status()) {
			res.Release(ctx)
		}
	}
}

func handleReserveError(c *gongin.Context, cfg *Config, err error) {
	failure, status := reserve.Classify(err)
	switch failure {
	case reserve.FailureInsufficientCredits:
		var insufficient *gocredits.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			if cfg.OnInsufficientCredits != nil {
				cfg.OnInsufficientCredits(c, insufficient)
				return
			}
			c.JSON(status, gongin.H{
				"error":     "Insufficient credits",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
			return
		}

	case reserve.FailureRateLimited:
		var rateErr *gocredits.RateLimitExceededError
		if errors.As(err, &rateErr) {
			var retryAfter time.Duration
			if rateErr.Info != nil {
				for k, v := range reserve.RateLimitHeaders(rateErr.Info) {
					c.Header(k, v)
				}
				if ra := reserve.RetryAfter(rateErr.Info, time.Now()); ra != "" {
					c.Header("Retry-After", ra)
				}
				retryAfter = rateErr.RetryAfter(time.Now())
			}
			if cfg.OnRateLimitExceeded != nil {
				cfg.OnRateLimitExceeded(c, retryAfter, rateErr.Info)
				return
			}
			c.JSON(status, gongin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter.Seconds(),
			})
			return
		}
	}

	if cfg.OnError != nil {
		cfg.OnError(c, err)
		return
	}
	if status == http.StatusInternalServerError {
		c.JSON(status, gongin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(status, gongin.H{"error": err.Error()})
}

// GetReservation returns the reservation made for the request, if any
func GetReservation(c *gongin.Context) (*reserve.Reservation, bool) {
	v, ok := c.Get(ReservationKey)
	if !ok {
		return nil, false
	}
	res, ok := v.(*reserve.Reservation)
	return res, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In credits middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for cost

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(*gongin.Context) (int, error) {
		return cost, nil
	}
}

// CalculatedCost prices the request with calc using the input built by toInput
func CalculatedCost(calc *gocredits.CostCalculator, toInput func(*gongin.Context) (gocredits.CostInput, error)) CostExtractor {
	return func(c *gongin.Context) (int, error) {
		in, err := toInput(c)
		if err != nil {
			return 0, err
		}
		if err := calc.ValidateInput(in); err != nil {
			return 0, err
		}
		return calc.Calculate(in), nil
	}
}

// ReferenceFromHeader returns a ReferenceExtractor that gets the reference from a header
func ReferenceFromHeader(headerName string) ReferenceExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
