package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultMaxBodyBytes      = 256 * 1024
)

// EventProcessor applies normalized billing events. *billing.Processor implements it.
type EventProcessor interface {
	Process(ctx context.Context, provider string, ev billing.Event) (*billing.Result, error)
}

// Config configures the Stripe provider
type Config struct {
	// Processor applies translated webhook events (required)
	Processor EventProcessor

	// WebhookSecret is the endpoint signing secret (whsec_...). Webhooks answer 503 without it.
	WebhookSecret string

	// APIKey enables checkout, portal and customer lookups (optional)
	APIKey string

	// Catalog resolves plan and pack keys to Stripe price ids for checkout (optional)
	Catalog *gocredits.PlanCatalog

	// CustomerIDResolver maps a user id to its Stripe customer id.
	// If nil, customers are found through the Stripe Search API.
	CustomerIDResolver func(ctx context.Context, userID string) (string, error)

	// Backends overrides the Stripe API endpoints (tests, proxies)
	Backends *stripe.Backends

	// RateLimitRequests per RateLimitWindow per client IP (default: 100 per minute)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// MaxBodyBytes bounds the webhook payload (default: 256KiB)
	MaxBodyBytes int64

	// Metrics is optional; nil disables metrics
	Metrics billing.Metrics

	// Logger is optional; nil disables logging
	Logger gocredits.Logger
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	processor          EventProcessor
	webhookSecret      string
	client             *stripe.Client
	catalog            *gocredits.PlanCatalog
	customerIDResolver func(context.Context, string) (string, error)
	rateLimitRequests  int
	rateLimitWindow    time.Duration
	maxBodyBytes       int64
	metrics            billing.Metrics
	logger             gocredits.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Processor == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	var client *stripe.Client
	if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
		if config.Backends != nil {
			client = stripe.NewClient(apiKey, stripe.WithBackends(config.Backends))
		} else {
			client = stripe.NewClient(apiKey)
		}
	}

	p := &Provider{
		processor:          config.Processor,
		webhookSecret:      strings.TrimSpace(config.WebhookSecret),
		client:             client,
		catalog:            config.Catalog,
		customerIDResolver: config.CustomerIDResolver,
		rateLimitRequests:  config.RateLimitRequests,
		rateLimitWindow:    config.RateLimitWindow,
		maxBodyBytes:       config.MaxBodyBytes,
		metrics:            config.Metrics,
		logger:             config.Logger,
	}
	if p.rateLimitRequests <= 0 {
		p.rateLimitRequests = defaultRateLimitRequests
	}
	if p.rateLimitWindow <= 0 {
		p.rateLimitWindow = defaultRateLimitWindow
	}
	if p.maxBodyBytes <= 0 {
		p.maxBodyBytes = defaultMaxBodyBytes
	}
	if p.metrics == nil {
		p.metrics = &billing.NoopMetrics{}
	}
	if p.logger == nil {
		p.logger = &gocredits.NoopLogger{}
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks, throttled per client IP
func (p *Provider) WebhookHandler() http.Handler {
	limit := httprate.LimitByIP(p.rateLimitRequests, p.rateLimitWindow)
	return limit(http.HandlerFunc(p.handleWebhook))
}
