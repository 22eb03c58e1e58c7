// Package echo provides Echo middleware that charges credits before the handler runs
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredits/middleware/internal/reserve"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// ReservationKey is the echo context key holding the *reserve.Reservation of the request
const ReservationKey = "gocredits.reservation"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// CostExtractor calculates the credit cost of the request
type CostExtractor func(c echo.Context) (int, error)

// ReferenceExtractor returns the idempotency reference of the request.
// An empty result makes the middleware generate one.
type ReferenceExtractor func(c echo.Context) string

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
	OnInsufficientCredits func(c echo.Context, err *gocredits.InsufficientCreditsError) error

	// OnRateLimitExceeded is called when the hourly limit is reached
	// If nil, uses default response: 429 JSON with rate limit headers
	OnRateLimitExceeded func(c echo.Context, retryAfter time.Duration, info *gocredits.RateLimitInfo) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns a JSON error with the matching status
	OnError func(c echo.Context, err error) error

	// Logger is used for structured logging (default: NoopLogger)
	Logger gocredits.Logger
}

// Middleware creates an Echo middleware that reserves credits before the handler
// and refunds them when the handler fails
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Ledger == nil {
		panic("gocredits/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredits/echo: Config.GetUserID is required")
	}
	if cfg.GetCost == nil {
		panic("gocredits/echo: Config.GetCost is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			cost, err := cfg.GetCost(c)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ctx := c.Request().Context()
			res, err := reserver.Reserve(ctx, userID, cost, reserve.ReferenceID(cfg.GetReferenceID(c)))
			if err != nil {
				return handleReserveError(c, &cfg, err)
			}

			for k, v := range res.Headers() {
				c.Response().Header().Set(k, v)
			}
			c.Set(ReservationKey, res)

			herr := next(c)
			if cfg.ShouldRelease(responseStatus(c, herr)) {
				res.Release(ctx)
			}
			return herr
		}
	}
}

// responseStatus returns the status the request ends with. A handler error has not been
// rendered yet, so its status comes from the error itself.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func handleReserveError(c echo.Context, cfg *Config, err error) error {
	failure, status := reserve.Classify(err)
	switch failure {
	case reserve.FailureInsufficientCredits:
		var insufficient *gocredits.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			if cfg.OnInsufficientCredits != nil {
				return cfg.OnInsufficientCredits(c, insufficient)
			}
			return c.JSON(status, map[string]interface{}{
				"error":     "Insufficient credits",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
		}

	case reserve.FailureRateLimited:
		var rateErr *gocredits.RateLimitExceededError
		if errors.As(err, &rateErr) {
			var retryAfter time.Duration
			if rateErr.Info != nil {
				for k, v := range reserve.RateLimitHeaders(rateErr.Info) {
					c.Response().Header().Set(k, v)
				}
				if ra := reserve.RetryAfter(rateErr.Info, time.Now()); ra != "" {
					c.Response().Header().Set("Retry-After", ra)
				}
				retryAfter = rateErr.RetryAfter(time.Now())
			}
			if cfg.OnRateLimitExceeded != nil {
				return cfg.OnRateLimitExceeded(c, retryAfter, rateErr.Info)
			}
			return c.JSON(status, map[string]interface{}{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter.Seconds(),
			})
		}
	}

	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	if status == http.StatusInternalServerError {
		return c.JSON(status, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// GetReservation returns the reservation made for the request, if any
func GetReservation(c echo.Context) (*reserve.Reservation, bool) {
	res, ok := c.Get(ReservationKey).(*reserve.Reservation)
	return res, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware via c.Set("UserID", "...")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(echo.Context) (int, error) {
		return cost, nil
	}
}

// CalculatedCost prices the request with calc using the input built by toInput
func CalculatedCost(calc *gocredits.CostCalculator, toInput func(echo.Context) (gocredits.CostInput, error)) CostExtractor {
	return func(c echo.Context) (int, error) {
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
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
