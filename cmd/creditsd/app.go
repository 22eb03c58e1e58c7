package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mihaimyh/gocredits/pkg/api"
	"github.com/mihaimyh/gocredits/pkg/billing"
	billingprom "github.com/mihaimyh/gocredits/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gocredits/pkg/billing/revenuecat"
	"github.com/mihaimyh/gocredits/pkg/billing/stripe"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
	ledgerprom "github.com/mihaimyh/gocredits/pkg/gocredits/metrics/prometheus"
	"github.com/mihaimyh/gocredits/pkg/processing"
	"github.com/mihaimyh/gocredits/pkg/providers"
	providerprom "github.com/mihaimyh/gocredits/pkg/providers/metrics/prometheus"
)

// app holds the wired components of the server
type app struct {
	config   *Config
	logger   gocredits.Logger
	registry *prometheus.Registry

	storage   backend
	catalog   *gocredits.PlanCatalog
	ledger    *gocredits.Ledger
	limiter   *gocredits.RequestLimiter
	router    *providers.Router
	scheduler *providers.ResetScheduler
	service   *processing.Service
	billing   *billing.Processor
	stripe    *stripe.Provider
	rc        *revenuecat.Provider
	api       *api.Handler

	closeStorage func()
}

// newApp wires every component from cfg. Call Close when done.
func newApp(ctx context.Context, cfg *Config, logger gocredits.Logger) (*app, error) {
	a := &app{
		config:       cfg,
		logger:       logger,
		registry:     prometheus.NewRegistry(),
		closeStorage: func() {},
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.config

	catalog, err := gocredits.LoadCatalogFile(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	a.catalog = catalog

	storage, closeStorage, err := openStorage(ctx, cfg, a.logger)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage, err)
	}
	a.storage, a.closeStorage = storage, closeStorage

	ledgerMetrics := ledgerprom.NewMetrics(a.registry, cfg.MetricsNamespace)
	a.ledger, err = gocredits.NewLedger(storage, gocredits.Config{
		FreeCredits: cfg.FreeCredits,
		Catalog:     catalog,
		Metrics:     ledgerMetrics,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}

	a.limiter = gocredits.NewRequestLimiter(
		gocredits.NewRateLimiter(storage, cfg.Storage == "memory" || cfg.RateLimitInMemory),
		catalog,
		gocredits.RequestLimiterConfig{Metrics: ledgerMetrics, Logger: a.logger},
	)

	if err := a.initProcessing(); err != nil {
		return err
	}
	if err := a.initBilling(); err != nil {
		return err
	}

	a.api, err = api.NewHandler(api.Config{
		Ledger:    a.ledger,
		GetUserID: api.FromHeader(cfg.UserIDHeader),
		Processor: a.processor(),
		Catalog:   catalog,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("create api handler: %w", err)
	}
	return nil
}

// initProcessing builds the provider chain when a providers file is configured
func (a *app) initProcessing() error {
	cfg := a.config
	if cfg.ProvidersFile == "" {
		a.logger.Warn("no providers file configured, processing is disabled")
		return nil
	}

	defs, err := loadBackendDefs(cfg.ProvidersFile)
	if err != nil {
		return err
	}

	metrics := providerprom.NewMetrics(a.registry, cfg.MetricsNamespace)
	adapters := make([]providers.ProviderAdapter, 0, len(defs))
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		adapter, err := providers.NewQuotaAdapter(def.ProviderConfig, newHTTPBackend(def), a.storage,
			providers.WithLogger(a.logger),
			providers.WithMetrics(metrics),
		)
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
		names = append(names, def.Name)
	}

	a.router, err = providers.NewRouter(a.ledger, adapters, providers.RouterConfig{
		Metrics: metrics,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	a.scheduler, err = providers.NewResetScheduler(a.storage, names, providers.ResetSchedulerConfig{
		DailySchedule:   cfg.DailyResetSchedule,
		MonthlySchedule: cfg.MonthlyResetSchedule,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}

	costs, err := gocredits.NewCostCalculator(a.catalog.Costs())
	if err != nil {
		return fmt.Errorf("create cost calculator: %w", err)
	}
	a.service, err = processing.NewService(processing.Config{
		Ledger:  a.ledger,
		Limiter: a.limiter,
		Costs:   costs,
		Router:  a.router,
		Logger:  a.logger,
	})
	return err
}

// initBilling builds the webhook processor and the configured billing providers.
// Providers without a webhook secret or API key have nothing to do and are skipped.
func (a *app) initBilling() error {
	cfg := a.config
	withStripe := cfg.StripeWebhookSecret != "" || cfg.StripeAPIKey != ""
	withRevenueCat := cfg.RevenueCatWebhookSecret != "" || cfg.RevenueCatAPIKey != ""
	if !withStripe && !withRevenueCat {
		a.logger.Warn("no billing provider is configured, billing endpoints are disabled")
		return nil
	}

	metrics := billingprom.NewMetrics(a.registry, cfg.MetricsNamespace)
	pc := billing.DefaultProcessorConfig()
	pc.Ledger = a.ledger
	pc.Catalog = a.catalog
	pc.Events = a.storage
	pc.Metrics = metrics
	pc.Logger = a.logger

	var err error
	a.billing, err = billing.NewProcessor(pc)
	if err != nil {
		return fmt.Errorf("create billing processor: %w", err)
	}

	if withStripe {
		a.stripe, err = stripe.NewProvider(stripe.Config{
			Processor:     a.billing,
			WebhookSecret: cfg.StripeWebhookSecret,
			APIKey:        cfg.StripeAPIKey,
			Catalog:       a.catalog,
			Metrics:       metrics,
			Logger:        a.logger,
		})
		if err != nil {
			return fmt.Errorf("create stripe provider: %w", err)
		}
	}

	if withRevenueCat {
		a.rc, err = revenuecat.NewProvider(revenuecat.Config{
			Processor:      a.billing,
			Catalog:        a.catalog,
			ProductMapping: cfg.RevenueCatProducts,
			WebhookSecret:  cfg.RevenueCatWebhookSecret,
			APIKey:         cfg.RevenueCatAPIKey,
			AcceptSandbox:  cfg.RevenueCatSandbox,
			Metrics:        metrics,
			Logger:         a.logger,
		})
		if err != nil {
			return fmt.Errorf("create revenuecat provider: %w", err)
		}
	}
	return nil
}

// processor keeps a nil *processing.Service from becoming a non-nil interface
func (a *app) processor() api.Processor {
	if a.service == nil {
		return nil
	}
	return a.service
}

// Handler returns the HTTP surface of the server
func (a *app) Handler() http.Handler {
	return newHTTPHandler(a)
}

// Start starts background jobs
func (a *app) Start() {
	if a.scheduler != nil {
		a.scheduler.Start()
	}
}

// Close stops background jobs and releases storage connections
func (a *app) Close() {
	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	a.closeStorage()
}
