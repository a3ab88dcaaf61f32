// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"

	SinkPrometheus = "prometheus"
	SinkCloudWatch = "cloudwatch"
	SinkBoth       = "both"
	SinkNone       = "none"
)

type Config struct {
	RunLocal    bool   `env:"RUN_LOCAL" envDefault:"false"`
	HTTPAddress string `env:"HTTP_ADDRESS" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	StoreBackend       string        `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURI        string        `env:"DATABASE_URI"`
	OrdersTable        string        `env:"ORDERS_TABLE" envDefault:"payment_orders"`
	WebhookLogTable    string        `env:"WEBHOOK_LOG_TABLE" envDefault:"webhook_log"`
	SubscriptionsTable string        `env:"SUBSCRIPTIONS_TABLE" envDefault:"payment_subscriptions"`
	IdempotencyTable   string        `env:"IDEMPOTENCY_TABLE" envDefault:"idempotency"`
	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	EventsQueueURL     string        `env:"ORDER_EVENTS_QUEUE_URL"`

	RedisURL string        `env:"REDIS_URL"`
	LockTTL  time.Duration `env:"LOCK_TTL" envDefault:"10s"`

	CustodyAPIURL       string        `env:"CUSTODY_API_URL"`
	CustodyAPIKey       string        `env:"CUSTODY_API_KEY"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	ProviderMaxAttempts int           `env:"PROVIDER_MAX_ATTEMPTS" envDefault:"3"`

	WebhookSecret    string  `env:"WEBHOOK_SECRET"`
	PublicBaseURL    string  `env:"PUBLIC_BASE_URL"`
	WebhookRateLimit float64 `env:"WEBHOOK_RATE_LIMIT" envDefault:"50"`
	WebhookRateBurst int     `env:"WEBHOOK_RATE_BURST" envDefault:"100"`

	OrderTTL              time.Duration `env:"ORDER_TTL" envDefault:"30m"`
	SweepInterval         time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatchSize        int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	SubscriptionRetention time.Duration `env:"SUBSCRIPTION_RETENTION" envDefault:"24h"`
	AddressReuse          bool          `env:"ADDRESS_REUSE" envDefault:"false"`

	CatalogFile string `env:"CATALOG_FILE" envDefault:"catalog.yaml"`
	NodeID      int64  `env:"NODE_ID" envDefault:"1"`

	MetricsSink         string `env:"METRICS_SINK" envDefault:"prometheus"`
	CloudWatchNamespace string `env:"CLOUDWATCH_NAMESPACE" envDefault:"CryptoPayOrderflow"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s must be set", name))
		}
	}

	require("CUSTODY_API_URL", c.CustodyAPIURL)
	require("CUSTODY_API_KEY", c.CustodyAPIKey)
	require("WEBHOOK_SECRET", c.WebhookSecret)
	require("PUBLIC_BASE_URL", c.PublicBaseURL)

	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL %q is not an absolute http(s) url", c.PublicBaseURL))
		}
	}

	switch c.StoreBackend {
	case BackendPostgres:
		require("DATABASE_URI", c.DatabaseURI)
	case BackendDynamoDB:
		require("ORDERS_TABLE", c.OrdersTable)
		require("WEBHOOK_LOG_TABLE", c.WebhookLogTable)
		require("SUBSCRIPTIONS_TABLE", c.SubscriptionsTable)
		require("IDEMPOTENCY_TABLE", c.IdempotencyTable)
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q must be %s or %s", c.StoreBackend, BackendPostgres, BackendDynamoDB))
	}

	switch c.MetricsSink {
	case SinkPrometheus, SinkCloudWatch, SinkBoth, SinkNone:
	default:
		errs = append(errs, fmt.Errorf("METRICS_SINK %q is not supported", c.MetricsSink))
	}

	if c.OrderTTL <= 0 {
		errs = append(errs, errors.New("ORDER_TTL must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.ProviderMaxAttempts < 1 {
		errs = append(errs, errors.New("PROVIDER_MAX_ATTEMPTS must be at least 1"))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, errors.New("NODE_ID must be between 0 and 1023"))
	}
	return errors.Join(errs...)
}
