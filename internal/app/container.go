// Package app wires the billing engine's dependencies.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tallyhq/tally/internal/catalog"
	entitlementApp "github.com/tallyhq/tally/internal/entitlement/application"
	ledgerDomain "github.com/tallyhq/tally/internal/ledger/domain"
	ledgerPersistence "github.com/tallyhq/tally/internal/ledger/infrastructure/persistence"
	"github.com/tallyhq/tally/internal/pricing"
	revenueApp "github.com/tallyhq/tally/internal/revenue/application"
	revenueDomain "github.com/tallyhq/tally/internal/revenue/domain"
	revenuePersistence "github.com/tallyhq/tally/internal/revenue/infrastructure/persistence"
	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	dbPostgres "github.com/tallyhq/tally/internal/shared/infrastructure/database/postgres"
	dbSQLite "github.com/tallyhq/tally/internal/shared/infrastructure/database/sqlite"
	"github.com/tallyhq/tally/internal/shared/infrastructure/eventbus"
	"github.com/tallyhq/tally/internal/shared/infrastructure/migrations"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
	subscriptionApp "github.com/tallyhq/tally/internal/subscription/application"
	subscriptionDomain "github.com/tallyhq/tally/internal/subscription/domain"
	"github.com/tallyhq/tally/internal/subscription/infrastructure/payment"
	subscriptionPersistence "github.com/tallyhq/tally/internal/subscription/infrastructure/persistence"
	usageApp "github.com/tallyhq/tally/internal/usage/application"
	usageDomain "github.com/tallyhq/tally/internal/usage/domain"
	usagePersistence "github.com/tallyhq/tally/internal/usage/infrastructure/persistence"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/observability"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Storage
	Pool        *pgxpool.Pool
	SQLiteDB    *sql.DB
	RedisClient *redis.Client

	// Catalog and pricing
	Catalog    *catalog.Catalog
	Calculator *pricing.Calculator

	// Repositories
	SubscriptionRepo subscriptionDomain.Repository
	CounterRepo      usageDomain.Repository
	RecordRepo       ledgerDomain.Repository
	TransactionRepo  revenueDomain.Repository
	OutboxRepo       outbox.Repository

	// Unit of work
	UnitOfWork sharedApplication.UnitOfWork

	// Payment
	PaymentProcessor subscriptionApp.PaymentProcessor

	// Publishers
	EventPublisher  eventbus.Publisher
	OutboxProcessor *outbox.Processor

	// Subscription handlers
	CreateSubscription *subscriptionApp.CreateSubscriptionHandler
	AddBundle          *subscriptionApp.AddBundleHandler
	RemoveBundle       *subscriptionApp.RemoveBundleHandler
	ChangeCycle        *subscriptionApp.ChangeCycleHandler
	Cancel             *subscriptionApp.CancelHandler
	AdvanceCycle       *subscriptionApp.AdvanceCycleHandler
	RetryCharge        *subscriptionApp.RetryChargeHandler
	GetSubscription    *subscriptionApp.GetSubscriptionHandler

	// Services
	Meter  *usageApp.Meter
	Biller *revenueApp.Biller
	Gate   *entitlementApp.Gate

	// Observability
	MetricsRegistry *prometheus.Registry
	Metrics         *observability.Metrics
	Health          *observability.HealthRegistry
}

// NewContainer creates and wires all dependencies.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Catalog: catalog.Default(),
	}
	c.Calculator = pricing.NewCalculator(c.Catalog)

	if err := c.connectStore(ctx); err != nil {
		return nil, err
	}

	if err := c.wireUsageStore(ctx); err != nil {
		c.Close()
		return nil, err
	}

	// Payment processor: real gateway when configured, simulated otherwise.
	if cfg.PaymentGatewayURL != "" {
		c.PaymentProcessor = payment.NewGatewayClient(cfg.PaymentGatewayURL, logger)
	} else {
		logger.Info("no payment gateway configured, using simulated processor")
		c.PaymentProcessor = payment.NewSimulatedProcessor(logger)
	}

	// Event publisher: RabbitMQ when configured, noop otherwise.
	if cfg.RabbitMQURL != "" {
		publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			if !cfg.IsDevelopment() {
				c.Close()
				return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
			}
			logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
			c.EventPublisher = eventbus.NoopPublisher{}
		} else {
			c.EventPublisher = publisher
		}
	} else {
		c.EventPublisher = eventbus.NoopPublisher{}
	}

	processorCfg := outbox.DefaultProcessorConfig()
	processorCfg.PollInterval = cfg.OutboxPollInterval
	processorCfg.BatchSize = cfg.OutboxBatchSize
	processorCfg.MaxRetries = cfg.OutboxMaxRetries
	processorCfg.Retention = time.Duration(cfg.OutboxRetentionDays) * 24 * time.Hour
	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, processorCfg, logger)

	// Subscription handlers
	c.CreateSubscription = subscriptionApp.NewCreateSubscriptionHandler(c.SubscriptionRepo, c.OutboxRepo, c.UnitOfWork)
	c.AddBundle = subscriptionApp.NewAddBundleHandler(c.SubscriptionRepo, c.Calculator, c.OutboxRepo, c.UnitOfWork)
	c.RemoveBundle = subscriptionApp.NewRemoveBundleHandler(c.SubscriptionRepo, c.OutboxRepo, c.UnitOfWork)
	c.ChangeCycle = subscriptionApp.NewChangeCycleHandler(c.SubscriptionRepo, c.Calculator, c.OutboxRepo, c.UnitOfWork)
	c.Cancel = subscriptionApp.NewCancelHandler(c.SubscriptionRepo, c.OutboxRepo, c.UnitOfWork)
	c.AdvanceCycle = subscriptionApp.NewAdvanceCycleHandler(c.SubscriptionRepo, c.RecordRepo, c.Calculator, c.PaymentProcessor, c.OutboxRepo, c.UnitOfWork)
	c.RetryCharge = subscriptionApp.NewRetryChargeHandler(c.SubscriptionRepo, c.RecordRepo, c.PaymentProcessor, c.OutboxRepo, c.UnitOfWork)
	c.GetSubscription = subscriptionApp.NewGetSubscriptionHandler(c.SubscriptionRepo)

	// Services
	c.Meter = usageApp.NewMeter(c.CounterRepo, c.SubscriptionRepo, c.Catalog, logger)
	c.Biller = revenueApp.NewBiller(c.TransactionRepo, c.RecordRepo, logger)
	c.Gate = entitlementApp.NewGate(c.SubscriptionRepo, c.Meter, c.Catalog, cfg.GraceDays)

	// Observability
	c.MetricsRegistry = prometheus.NewRegistry()
	c.Metrics = observability.NewMetrics(c.MetricsRegistry)
	c.Health = observability.NewHealthRegistry()
	c.registerHealthChecks()

	return c, nil
}

func (c *Container) connectStore(ctx context.Context) error {
	switch c.Config.StoreDriver {
	case config.StorePostgres:
		pool, err := dbPostgres.Connect(ctx, dbPostgres.DefaultConfig(c.Config.DatabaseURL))
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("run migrations: %w", err)
		}
		c.Pool = pool

		c.SubscriptionRepo = subscriptionPersistence.NewPostgresSubscriptionRepository(pool)
		c.RecordRepo = ledgerPersistence.NewPostgresRecordRepository(pool)
		c.TransactionRepo = revenuePersistence.NewPostgresTransactionRepository(pool)
		c.OutboxRepo = outbox.NewPostgresRepository(pool)
		c.UnitOfWork = sharedPersistence.NewPostgresUnitOfWork(pool)
		c.Logger.Info("connected to postgres")

	case config.StoreSQLite:
		db, err := dbSQLite.Open(ctx, c.Config.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
			db.Close()
			return fmt.Errorf("run migrations: %w", err)
		}
		c.SQLiteDB = db

		c.SubscriptionRepo = subscriptionPersistence.NewSQLiteSubscriptionRepository(db)
		c.RecordRepo = ledgerPersistence.NewSQLiteRecordRepository(db)
		c.TransactionRepo = revenuePersistence.NewSQLiteTransactionRepository(db)
		c.OutboxRepo = outbox.NewSQLiteRepository(db)
		c.UnitOfWork = sharedPersistence.NewSQLiteUnitOfWork(db)
		c.Logger.Info("opened sqlite store", "path", c.Config.SQLitePath)

	default:
		return fmt.Errorf("unknown store driver %q", c.Config.StoreDriver)
	}
	return nil
}

func (c *Container) wireUsageStore(ctx context.Context) error {
	if c.Config.UsageStore != config.UsageStoreRedis {
		switch c.Config.StoreDriver {
		case config.StorePostgres:
			c.CounterRepo = usagePersistence.NewPostgresCounterRepository(c.Pool)
		default:
			c.CounterRepo = usagePersistence.NewSQLiteCounterRepository(c.SQLiteDB)
		}
		return nil
	}

	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connect to redis: %w", err)
	}
	c.RedisClient = client
	c.CounterRepo = usagePersistence.NewRedisCounterRepository(client)
	c.Logger.Info("connected to redis for usage metering")
	return nil
}

func (c *Container) registerHealthChecks() {
	if c.Pool != nil {
		c.Health.Register("postgres", observability.DatabaseHealthChecker(func(ctx context.Context) error {
			return c.Pool.Ping(ctx)
		}))
	}
	if c.SQLiteDB != nil {
		c.Health.Register("sqlite", observability.DatabaseHealthChecker(func(ctx context.Context) error {
			return c.SQLiteDB.PingContext(ctx)
		}))
	}
	if c.RedisClient != nil {
		c.Health.Register("redis", observability.DatabaseHealthChecker(func(ctx context.Context) error {
			return c.RedisClient.Ping(ctx).Err()
		}))
	}
}

// Close releases all held resources.
func (c *Container) Close() {
	if c.OutboxProcessor != nil && c.OutboxProcessor.IsRunning() {
		c.OutboxProcessor.Stop()
	}
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("closing event publisher", "error", err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("closing redis client", "error", err)
		}
	}
	if c.SQLiteDB != nil {
		if err := c.SQLiteDB.Close(); err != nil {
			c.Logger.Warn("closing sqlite store", "error", err)
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
