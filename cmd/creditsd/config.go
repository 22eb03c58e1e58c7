package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

const envPrefix = "CREDITSD"

// Config is the process configuration, read from CREDITSD_* variables.
// Unprefixed names are accepted as a fallback.
type Config struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Storage selects the backend: memory, redis, postgres or firestore
	Storage          string `envconfig:"STORAGE" default:"memory"`
	RedisURL         string `envconfig:"REDIS_URL"`
	PostgresURL      string `envconfig:"POSTGRES_URL"`
	FirestoreProject string `envconfig:"FIRESTORE_PROJECT"`

	// RateLimitInMemory keeps the per-user sliding windows in process even with a shared backend
	RateLimitInMemory bool `envconfig:"RATE_LIMIT_IN_MEMORY" default:"false"`

	CatalogFile string `envconfig:"CATALOG_FILE" default:"catalog.yaml"`
	// ProvidersFile lists the processing backends. POST /v1/credits/process is disabled without it.
	ProvidersFile string `envconfig:"PROVIDERS_FILE"`
	FreeCredits   int    `envconfig:"FREE_CREDITS" default:"10"`

	// UserIDHeader carries the authenticated user id set by the gateway in front of the server
	UserIDHeader string `envconfig:"USER_ID_HEADER" default:"X-User-ID"`
	// AdminToken enables the provider usage endpoint when set
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	APIRateLimit  int           `envconfig:"API_RATE_LIMIT" default:"120"`
	APIRateWindow time.Duration `envconfig:"API_RATE_WINDOW" default:"1m"`

	StripeAPIKey        string `envconfig:"STRIPE_API_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`

	RevenueCatAPIKey        string `envconfig:"REVENUECAT_API_KEY"`
	RevenueCatWebhookSecret string `envconfig:"REVENUECAT_WEBHOOK_SECRET"`
	// RevenueCatProducts maps store product ids to plan or pack keys: "com.app.pro:pro,com.app.c50:small"
	RevenueCatProducts map[string]string `envconfig:"REVENUECAT_PRODUCTS"`
	RevenueCatSandbox  bool              `envconfig:"REVENUECAT_SANDBOX" default:"false"`

	DailyResetSchedule   string `envconfig:"DAILY_RESET_SCHEDULE" default:"0 0 * * *"`
	MonthlyResetSchedule string `envconfig:"MONTHLY_RESET_SCHEDULE" default:"0 0 1 * *"`

	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"gocredits"`
}

// loadConfig loads envFile when it exists and then reads the environment
func loadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the storage selection and the numeric settings
func (c *Config) Validate() error {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	switch c.Storage {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for redis storage")
		}
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required for postgres storage")
		}
	case "firestore":
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT is required for firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}

	if c.CatalogFile == "" {
		return fmt.Errorf("CATALOG_FILE is required")
	}
	if c.FreeCredits < 0 {
		return fmt.Errorf("FREE_CREDITS must be non-negative")
	}
	if c.APIRateLimit <= 0 || c.APIRateWindow <= 0 {
		return fmt.Errorf("API_RATE_LIMIT and API_RATE_WINDOW must be positive")
	}
	if c.UserIDHeader == "" {
		return fmt.Errorf("USER_ID_HEADER is required")
	}
	return nil
}

// newLogger builds the process logger. LOG_FORMAT=console writes human readable lines.
func newLogger(cfg *Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if out == nil {
		out = os.Stderr
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid LOG_FORMAT %q", cfg.LogFormat)
	}

	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", "creditsd").
		Logger(), nil
}
