// Package revenuecat turns RevenueCat webhooks for mobile in-app purchases into billing
// events. Store products map onto catalog plans and credit packs by key.
package revenuecat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

const (
	providerName             = "revenuecat"
	defaultAPIBaseURL        = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultMaxBodyBytes      = 256 * 1024
)

// EventProcessor applies normalized billing events. *billing.Processor implements it.
type EventProcessor interface {
	Process(ctx context.Context, provider string, ev billing.Event) (*billing.Result, error)
}

// Config configures the RevenueCat provider
type Config struct {
	// Processor applies translated webhook events (required)
	Processor EventProcessor

	// Catalog resolves product keys to plans and packs (required)
	Catalog *gocredits.PlanCatalog

	// ProductMapping maps store product ids to catalog plan or pack keys.
	// Products missing from the mapping are looked up as keys directly.
	ProductMapping map[string]string

	// WebhookSecret is the Authorization value configured on the RevenueCat webhook.
	// A "Bearer " prefix is accepted. Webhooks answer 503 without it.
	WebhookSecret string

	// EnableHMAC also accepts a base64 HMAC-SHA256 of the body in X-RevenueCat-Signature
	EnableHMAC bool

	// AcceptSandbox applies events from the SANDBOX environment. They are acknowledged
	// and ignored otherwise.
	AcceptSandbox bool

	// APIKey enables subscriber lookups through the REST API (optional)
	APIKey string

	// APIBaseURL overrides the REST endpoint (default: https://api.revenuecat.com/v1)
	APIBaseURL string

	// HTTPClient is used for REST calls (default: instrumented client with a 10s timeout)
	HTTPClient *http.Client

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

// Provider implements billing.Provider for RevenueCat
type Provider struct {
	processor         EventProcessor
	catalog           *gocredits.PlanCatalog
	products          map[string]string
	secret            []byte
	acceptHMAC        bool
	acceptSandbox     bool
	apiKey            string
	apiBaseURL        string
	httpClient        *http.Client
	rateLimitRequests int
	rateLimitWindow   time.Duration
	maxBodyBytes      int64
	metrics           billing.Metrics
	logger            gocredits.Logger
	now               func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Processor == nil || config.Catalog == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	p := &Provider{
		processor:         config.Processor,
		catalog:           config.Catalog,
		products:          make(map[string]string, len(config.ProductMapping)),
		secret:            []byte(stripBearer(config.WebhookSecret)),
		acceptHMAC:        config.EnableHMAC,
		acceptSandbox:     config.AcceptSandbox,
		apiKey:            stripBearer(config.APIKey),
		apiBaseURL:        strings.TrimRight(config.APIBaseURL, "/"),
		httpClient:        config.HTTPClient,
		rateLimitRequests: config.RateLimitRequests,
		rateLimitWindow:   config.RateLimitWindow,
		maxBodyBytes:      config.MaxBodyBytes,
		metrics:           config.Metrics,
		logger:            config.Logger,
		now:               time.Now,
	}
	for product, key := range config.ProductMapping {
		p.products[strings.ToLower(strings.TrimSpace(product))] = key
	}
	if p.apiBaseURL == "" {
		p.apiBaseURL = defaultAPIBaseURL
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
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

// WebhookHandler returns the HTTP handler for RevenueCat webhooks, throttled per client IP
func (p *Provider) WebhookHandler() http.Handler {
	limit := httprate.LimitByIP(p.rateLimitRequests, p.rateLimitWindow)
	return limit(http.HandlerFunc(p.handleWebhook))
}

// productKey returns the catalog key a store product stands for
func (p *Provider) productKey(productID string) string {
	id := strings.TrimSpace(productID)
	if key, ok := p.products[strings.ToLower(id)]; ok {
		return key
	}
	return id
}

func stripBearer(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		s = strings.TrimSpace(s[len("bearer "):])
	}
	return s
}
