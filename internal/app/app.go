// Package app wires configuration into the running components shared by the
// API and the sweep worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/catalog"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/checkout"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/config"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/custody"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/handlers"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/ingest"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/lock"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/metrics"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/storage/postgres"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/subscriptions"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/sweeper"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/webhooklog"
)

// App holds every long-lived component.
type App struct {
	Config        *config.Config
	Log           *zap.Logger
	Orders        orders.Repository
	WebhookLog    webhooklog.Repository
	Subscriptions *subscriptions.Manager
	Engine        *reconcile.Engine
	Ingestor      *ingest.Ingestor
	Checkout      *checkout.Service
	Sweeper       *sweeper.Sweeper
	Idempotency   idempotency.Store
	Locker        lock.Locker
	Metrics       metrics.Recorder
	Prometheus    *metrics.Prometheus
	CloudWatch    *metrics.CloudWatch
	RateLimiter   *handlers.IPRateLimiter

	ready   func(ctx context.Context) error
	closers []func() error
}

// New builds the object graph for cfg.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var clients *aws.AWSClients
	needAWS := cfg.StoreBackend == config.BackendDynamoDB || cfg.EventsQueueURL != "" ||
		cfg.MetricsSink == config.SinkCloudWatch || cfg.MetricsSink == config.SinkBoth
	if needAWS {
		var err error
		clients, err = aws.NewAWSClients(ctx)
		if err != nil {
			return fmt.Errorf("init aws clients: %w", err)
		}
	}

	a.buildMetrics(clients)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		a.Locker = lock.NewRedisLocker(rdb, cfg.LockTTL, a.Log)
	} else {
		a.Locker = lock.NewKeyedMutex()
	}

	var subsRepo subscriptions.Repository
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := postgres.Open(ctx, cfg.DatabaseURI)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		a.ready = pg.Ping
		a.Orders = pg.Orders()
		a.WebhookLog = pg.WebhookLog()
		subsRepo = pg.Subscriptions()
	case config.BackendDynamoDB:
		a.Orders = orders.NewDynamoStore(clients.DynamoDB, cfg.OrdersTable)
		a.WebhookLog = webhooklog.NewDynamoStore(clients.DynamoDB, cfg.WebhookLogTable)
		subsRepo = subscriptions.NewDynamoStore(clients.DynamoDB, cfg.SubscriptionsTable)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	switch {
	case cfg.StoreBackend == config.BackendDynamoDB:
		a.Idempotency = idempotency.NewDynamoStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
	case rdb != nil:
		a.Idempotency = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)
	default:
		a.Idempotency = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	}

	var events orders.EventPublisher = orders.NopEventPublisher{}
	if cfg.EventsQueueURL != "" {
		events = orders.NewSQSEventPublisher(aws.NewPublisher(clients.SQS, cfg.EventsQueueURL))
	}

	policy := custody.RetryPolicy{
		MaxAttempts:    cfg.ProviderMaxAttempts,
		AttemptTimeout: cfg.ProviderTimeout,
	}
	provider := custody.NewHTTPProvider(cfg.CustodyAPIURL, cfg.CustodyAPIKey, cfg.ProviderTimeout)

	a.Subscriptions = subscriptions.NewManager(provider, subsRepo, a.Locker, subscriptions.Options{
		Retry:        policy,
		Retention:    cfg.SubscriptionRetention,
		AddressReuse: cfg.AddressReuse,
	}, a.Log.Named("subscriptions"))

	a.Engine = reconcile.NewEngine(a.Orders,
		reconcile.WithLocker(a.Locker),
		reconcile.WithEvents(events),
		reconcile.WithMetrics(a.Metrics),
		reconcile.WithLogger(a.Log.Named("reconcile")),
	)
	a.Ingestor = ingest.New(cfg.WebhookSecret, a.Orders, a.Engine, a.WebhookLog, a.Metrics, a.Log.Named("ingest"))
	a.Sweeper = sweeper.New(a.Orders, a.Engine, a.Subscriptions, cfg.SweepInterval, cfg.SweepBatchSize, a.Metrics, a.Log.Named("sweeper"))

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return err
	}
	a.Checkout, err = checkout.NewService(checkout.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		WebhookSecret: cfg.WebhookSecret,
		OrderTTL:      cfg.OrderTTL,
		NodeID:        cfg.NodeID,
	}, cat, custody.NewAllocator(provider, policy, a.Log.Named("custody")), a.Subscriptions, a.Orders, events, a.Metrics, a.Log.Named("checkout"))
	if err != nil {
		return err
	}

	a.RateLimiter = handlers.NewIPRateLimiter(rate.Limit(cfg.WebhookRateLimit), cfg.WebhookRateBurst)
	return nil
}

func (a *App) buildMetrics(clients *aws.AWSClients) {
	var recs metrics.Multi
	switch a.Config.MetricsSink {
	case config.SinkPrometheus, config.SinkBoth:
		a.Prometheus = metrics.NewPrometheus()
		recs = append(recs, a.Prometheus)
	}
	switch a.Config.MetricsSink {
	case config.SinkCloudWatch, config.SinkBoth:
		a.CloudWatch = metrics.NewCloudWatch(clients.CloudWatch, a.Config.CloudWatchNamespace, a.Log.Named("cloudwatch"))
		recs = append(recs, a.CloudWatch)
	}
	if len(recs) == 0 {
		a.Metrics = metrics.Nop{}
		return
	}
	a.Metrics = recs
}

// Router returns the HTTP API.
func (a *App) Router() *gin.Engine {
	cfg := handlers.HandlerConfig{
		Checkout:    a.Checkout,
		Orders:      a.Orders,
		WebhookLog:  a.WebhookLog,
		Ingestor:    a.Ingestor,
		Idempotency: a.Idempotency,
		RateLimiter: a.RateLimiter,
		Metrics:     a.Metrics,
		Ready:       a.ready,
		Logger:      a.Log.Named("http"),
	}
	if a.Prometheus != nil {
		cfg.MetricsHandler = a.Prometheus.Handler()
	}
	return handlers.NewRouter(cfg)
}

// RunBackground starts the sweeper, the CloudWatch flusher and the rate
// limiter janitor until ctx is done.
func (a *App) RunBackground(ctx context.Context) {
	go func() {
		if err := a.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Log.Error("sweeper exited", zap.Error(err))
		}
	}()
	if a.CloudWatch != nil {
		go a.CloudWatch.Run(ctx, time.Minute)
	}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.RateLimiter.Cleanup(10 * time.Minute); n > 0 {
					a.Log.Debug("rate limiters cleaned", zap.Int("count", n))
				}
			}
		}
	}()
}

// FlushMetrics pushes buffered CloudWatch datums, if any.
func (a *App) FlushMetrics(ctx context.Context) {
	if a.CloudWatch == nil {
		return
	}
	if err := a.CloudWatch.Flush(ctx); err != nil {
		a.Log.Warn("flush cloudwatch metrics", zap.Error(err))
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
