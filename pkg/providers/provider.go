// Package providers routes processing requests across AI backends with
// quota-aware fallback and refunds reservations when every backend fails.
package providers

import (
	"context"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Input is the image to process
type Input struct {
	URL         string `json:"url,omitempty"`
	Data        []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
}

// Options are the processing parameters of a request
type Options struct {
	Tier          gocredits.QualityTier `json:"tier"`
	Scale         int                   `json:"scale"`
	SmartAnalysis bool                  `json:"smart_analysis"`

	// EstimatedCost is the amount reserved for the request
	EstimatedCost int `json:"estimated_cost"`

	// JobID identifies the request; it is the ledger reference id
	JobID string `json:"job_id"`
}

// Result is the output of a successful dispatch
type Result struct {
	Provider  string            `json:"provider"`
	Model     string            `json:"model,omitempty"`
	OutputURL string            `json:"output_url,omitempty"`
	Output    []byte            `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// CreditsUsed is the cost actually incurred. Zero means the estimate applies.
	CreditsUsed int `json:"credits_used"`
}

// ProviderAdapter is implemented per external AI backend
type ProviderAdapter interface {
	// Name returns the unique provider name
	Name() string

	// ProcessImage runs the request against the backend
	ProcessImage(ctx context.Context, userID string, input Input, opts Options) (*Result, error)

	// IsAvailable reports whether the provider can take a request right now
	IsAvailable(ctx context.Context) bool

	// GetUsage returns the provider's quota counters
	GetUsage(ctx context.Context) (Usage, error)
}

// Ranked is implemented by adapters that carry their own routing position
type Ranked interface {
	// Priority orders providers; lower is tried first
	Priority() int

	// FallbackProvider names the provider to try right after this one fails, or ""
	FallbackProvider() string
}

// TimeoutProvider is implemented by adapters with their own dispatch timeout
type TimeoutProvider interface {
	Timeout() time.Duration
}

// Backend performs the raw external call behind a QuotaAdapter
type Backend interface {
	Process(ctx context.Context, userID string, input Input, opts Options) (*Result, error)
}

// BackendFunc adapts a function to the Backend interface
type BackendFunc func(ctx context.Context, userID string, input Input, opts Options) (*Result, error)

// Process calls f
func (f BackendFunc) Process(ctx context.Context, userID string, input Input, opts Options) (*Result, error) {
	return f(ctx, userID, input, opts)
}
