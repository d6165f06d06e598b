/**
 * @description
 * Shared wiring for the ledger API and the scheduler. It opens the store, the
 * optional redis and RabbitMQ connections and the payment provider client, then
 * builds the ledger service on top of them. Optional infrastructure that is
 * missing or unreachable degrades to in-process fallbacks with a warning.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: Cooldowns, rain eligibility and the balance cache.
 * - pkg/rabbitmq, pkg/providerclient: Event publishing and the provider adapter.
 */
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/app"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/config"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/providerclient"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/rabbitmq"
)

// Runtime holds the long-lived dependencies of a ledger process.
type Runtime struct {
	Config   config.Config
	Settings *config.SettingsStore
	Service  *app.Service
	// Activity receives forum activity for rain eligibility.
	Activity app.ActivityRecorder

	logger  *zap.Logger
	closers []func()
}

// Close releases connections in reverse order of opening.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// New opens every dependency named by cfg and builds the ledger service.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, logger: logger}

	settings, err := config.LoadEconomySettings(cfg.EconomyConfigFile, logger)
	if err != nil {
		return nil, fmt.Errorf("economy settings: %w", err)
	}
	settings.Watch()
	rt.Settings = settings

	repo, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	opts := []app.Option{
		app.WithWebhookAuth(app.WebhookAuth{
			Provider: cfg.ProviderName,
			AppID:    cfg.ProviderAppID,
			Secret:   cfg.ProviderWebhookSecret,
			MaxSkew:  time.Duration(cfg.WebhookMaxSkewSeconds) * time.Second,
		}),
		app.WithPublisher(rt.openPublisher(), cfg.LedgerEventsExchange),
	}

	if client := rt.openRedis(ctx); client != nil {
		prefix := cfg.RedisKeyPrefix
		tracker := app.NewRedisActivityTracker(client, prefix, settings.Current().RainActivityWindow)
		rt.Activity = tracker
		opts = append(opts,
			app.WithCooldowns(app.NewRedisCooldownTracker(client, prefix)),
			app.WithActivitySource(tracker),
		)
		if cfg.BalanceCacheTTLSeconds > 0 {
			ttl := time.Duration(cfg.BalanceCacheTTLSeconds) * time.Second
			opts = append(opts, app.WithBalanceCache(app.NewRedisBalanceCache(client, prefix, ttl)))
		}
	} else {
		tracker := app.NewMemoryActivityTracker()
		rt.Activity = tracker
		opts = append(opts, app.WithActivitySource(tracker))
	}

	if cfg.ProviderBaseURL == "" || cfg.ProviderAppID == "" || cfg.ProviderAppSecret == "" {
		logger.Warn("payment provider not configured; deposits and withdrawals disabled")
	} else {
		opts = append(opts, app.WithProvider(providerclient.NewClient(providerclient.Config{
			BaseURL:           cfg.ProviderBaseURL,
			AppID:             cfg.ProviderAppID,
			AppSecret:         cfg.ProviderAppSecret,
			Timeout:           time.Duration(cfg.ProviderTimeoutSeconds) * time.Second,
			ReadMaxAttempts:   cfg.ProviderReadMaxAttempts,
			RequestsPerSecond: cfg.ProviderRequestsPerSecond,
		}, logger)))
	}

	rt.Service = app.NewService(repo, settings, logger, opts...)
	return rt, nil
}

func (r *Runtime) openStore(ctx context.Context) (store.Repository, error) {
	if r.Config.StoreDriver == config.StoreDriverMemory {
		r.logger.Warn("using the in-memory store; balances are lost on restart")
		return store.NewMemoryRepository(), nil
	}
	if strings.TrimSpace(r.Config.DatabaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the %s store", r.Config.StoreDriver)
	}

	poolConfig, err := pgxpool.ParseConfig(r.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to stay compatible with transaction poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	r.closers = append(r.closers, pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := store.EnsureSchema(ctx, pool, r.logger); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	r.logger.Info("database connected")
	return store.NewPostgresRepository(pool), nil
}

func (r *Runtime) openRedis(ctx context.Context) redis.UniversalClient {
	if r.Config.RedisURL == "" {
		r.logger.Warn("redis url missing; cooldowns and rain eligibility are process local", zap.String("env", "REDIS_URL"))
		return nil
	}
	opts, err := redis.ParseURL(r.Config.RedisURL)
	if err != nil {
		r.logger.Warn("redis url parse failed; using process local fallbacks", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		r.logger.Warn("redis ping failed; using process local fallbacks", zap.Error(err))
		_ = client.Close()
		return nil
	}
	r.closers = append(r.closers, func() { _ = client.Close() })
	r.logger.Info("redis connected")
	return client
}

func (r *Runtime) openPublisher() rabbitmq.Publisher {
	if r.Config.RabbitMQURL == "" {
		r.logger.Warn("rabbitmq url missing; ledger events are dropped", zap.String("env", "RABBITMQ_URL"))
		return &rabbitmq.EventProducerFallback{Logger: r.logger}
	}
	producer, err := rabbitmq.NewEventProducer(r.Config.RabbitMQURL, r.logger)
	if err != nil {
		r.logger.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		return &rabbitmq.EventProducerFallback{Logger: r.logger}
	}
	r.closers = append(r.closers, producer.Close)
	r.logger.Info("rabbitmq producer connected")
	return producer
}

// StartActivityConsumer feeds forum activity events into the eligibility
// tracker. It is a no-op without RabbitMQ.
func (r *Runtime) StartActivityConsumer() error {
	if r.Config.RabbitMQURL == "" {
		return nil
	}
	consumer, err := rabbitmq.NewConsumer(r.Config.RabbitMQURL, r.logger)
	if err != nil {
		return fmt.Errorf("rabbitmq consumer init failed: %w", err)
	}
	r.closers = append(r.closers, consumer.Close)

	handler := app.NewActivityConsumer(r.Activity, r.logger)
	bindings := map[string]rabbitmq.Handler{
		app.ActivityRoutingPattern: handler.HandleMessage,
	}
	if err := consumer.ConsumeWithBindings(r.Config.ActivityExchange, r.Config.ActivityQueue, bindings); err != nil {
		return fmt.Errorf("activity consumer start failed: %w", err)
	}
	r.logger.Info("activity consumer started",
		zap.String("exchange", r.Config.ActivityExchange),
		zap.String("queue", r.Config.ActivityQueue))
	return nil
}
