// Package http provides net/http middleware that charges credits before the handler runs
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/gocredits/middleware/internal/reserve"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// CostExtractor calculates the credit cost of the request
type CostExtractor func(r *http.Request) (int, error)

// ReferenceExtractor returns the idempotency reference of the request.
// An empty result makes the middleware generate one.
type ReferenceExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger (required)
	Ledger *gocredits.Ledger

	// Limiter enforces the per-plan hourly limit (optional)
	Limiter *gocredits.RequestLimiter

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetCost calculates the credits to reserve (required)
	GetCost CostExtractor

	// GetReferenceID extracts the idempotency reference
	// Default: X-Request-ID header
	GetReferenceID ReferenceExtractor

	// ShouldRelease decides from the handler's status whether the credits are refunded
	// Default: refund on 5xx
	ShouldRelease func(status int) bool

	// OnInsufficientCredits is called when the balance cannot cover the cost
	// If nil, returns 402 Payment Required
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, err *gocredits.InsufficientCreditsError)

	// OnRateLimitExceeded is called when the hourly limit is reached
	// If nil, returns 429 Too Many Requests with rate limit headers
	OnRateLimitExceeded func(w http.ResponseWriter, r *http.Request, info *gocredits.RateLimitInfo)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called for every other failure
	// If nil, returns a JSON error with the matching status
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger gocredits.Logger
}

type contextKey struct{}

// ReservationFromContext returns the reservation made for the request, if any
func ReservationFromContext(ctx context.Context) (*reserve.Reservation, bool) {
	v, ok := ctx.Value(contextKey{}).(*reserve.Reservation)
	return v, ok
}

// Middleware creates an HTTP middleware that reserves credits before calling the handler
// and refunds them when the handler fails
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Ledger == nil {
		panic("gocredits/http: Config.Ledger is required")
	}
	if config.GetUserID == nil {
		panic("gocredits/http: Config.GetUserID is required")
	}
	if config.GetCost == nil {
		panic("gocredits/http: Config.GetCost is required")
	}
	if config.GetReferenceID == nil {
		config.GetReferenceID = FromHeader("X-Request-ID")
	}
	if config.ShouldRelease == nil {
		config.ShouldRelease = reserve.ShouldRelease
	}

	var limiter reserve.Limiter
	if config.Limiter != nil {
		limiter = config.Limiter
	}
	reserver := reserve.New(config.Ledger, limiter, config.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			cost, err := config.GetCost(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusBadRequest, "Bad Request")
				}
				return
			}

			ctx := r.Context()
			res, err := reserver.Reserve(ctx, userID, cost, reserve.ReferenceID(config.GetReferenceID(r)))
			if err != nil {
				handleReserveError(w, r, &config, err)
				return
			}

			for k, v := range res.Headers() {
				w.Header().Set(k, v)
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, contextKey{}, res)))

			if config.ShouldRelease(rec.status) {
				res.Release(ctx)
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that reserves credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func handleReserveError(w http.ResponseWriter, r *http.Request, config *Config, err error) {
	failure, status := reserve.Classify(err)
	switch failure {
	case reserve.FailureInsufficientCredits:
		var insufficient *gocredits.InsufficientCreditsError
		if config.OnInsufficientCredits != nil && errors.As(err, &insufficient) {
			config.OnInsufficientCredits(w, r, insufficient)
			return
		}
		writeError(w, status, err.Error())
		return

	case reserve.FailureRateLimited:
		var rateErr *gocredits.RateLimitExceededError
		if errors.As(err, &rateErr) && rateErr.Info != nil {
			for k, v := range reserve.RateLimitHeaders(rateErr.Info) {
				w.Header().Set(k, v)
			}
			if ra := reserve.RetryAfter(rateErr.Info, time.Now()); ra != "" {
				w.Header().Set("Retry-After", ra)
			}
			if config.OnRateLimitExceeded != nil {
				config.OnRateLimitExceeded(w, r, rateErr.Info)
				return
			}
		}
		writeError(w, status, "Rate limit exceeded")
		return
	}

	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, "Internal Server Error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusRecorder remembers the status written by the handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(*http.Request) (int, error) {
		return cost, nil
	}
}

// CalculatedCost prices the request with calc using the input built by toInput
func CalculatedCost(calc *gocredits.CostCalculator, toInput func(*http.Request) (gocredits.CostInput, error)) CostExtractor {
	return func(r *http.Request) (int, error) {
		in, err := toInput(r)
		if err != nil {
			return 0, err
		}
		if err := calc.ValidateInput(in); err != nil {
			return 0, err
		}
		return calc.Calculate(in), nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "credits:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an extractor that reads a header
func FromHeader(headerName string) func(r *http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
