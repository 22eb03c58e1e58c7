package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/pkg/processing"
)

// Ledger is the part of the credit ledger the API reads. *gocredits.Ledger implements it.
type Ledger interface {
	EnsureAccount(ctx context.Context, userID string) (*gocredits.Account, error)
	GetHistory(ctx context.Context, userID string, limit, offset int) (*gocredits.History, error)
	ExpirationWarning(ctx context.Context, userID string) (*gocredits.ExpirationWarning, error)
}

// Processor runs processing requests. *processing.Service implements it.
type Processor interface {
	Process(ctx context.Context, req *processing.Request) (*processing.Response, error)
}

// Config holds configuration for the ledger API handler
type Config struct {
	// Ledger serves balances and history (required)
	Ledger Ledger

	// GetUserID extracts the authenticated user ID from the request (required)
	GetUserID func(*http.Request) string

	// Processor serves POST /process. The route answers 404 when nil.
	Processor Processor

	// Catalog serves GET /plans. The route answers 404 when nil.
	Catalog *gocredits.PlanCatalog

	// MaxBodyBytes bounds the process request body (default: 1MB)
	MaxBodyBytes int64

	// OnError replaces the default JSON error response
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger gocredits.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes must be non-negative")
	}
	return nil
}

// NewHandler creates a new ledger API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.Logger == nil {
		config.Logger = &gocredits.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
