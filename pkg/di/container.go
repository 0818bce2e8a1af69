package di

import (
	"context"
	"fmt"
	"net/http"

	"topic-chat/backend/internal/llm"
	"topic-chat/backend/internal/relay"
	"topic-chat/backend/internal/repository"
	"topic-chat/backend/internal/service"
	"topic-chat/backend/internal/ws"
	"topic-chat/backend/pkg/cache"
	"topic-chat/backend/pkg/config"
	"topic-chat/backend/pkg/health"
	"topic-chat/backend/pkg/logger"
	"topic-chat/backend/pkg/middleware"
	"topic-chat/backend/pkg/resilience"
	"topic-chat/backend/pkg/secrets"
	"topic-chat/backend/shared/observability"
	"topic-chat/backend/shared/redis"

	"gorm.io/gorm"
)

// Container holds all the dependencies for the application
type Container struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logger.Logger

	Redis   *redis.RedisClient
	Secrets secrets.Manager
	Metrics *observability.Metrics

	UserService         *service.UserService
	ConversationService *service.ConversationService
	MessageService      *service.MessageService

	Provider *llm.BreakerProvider
	Relay    *relay.Relay
	Hub      *ws.Hub
	Health   *health.Checker

	ResponseCache *cache.Cache
	Coalescer     *cache.Coalescer[middleware.CachedResponse]
}

// Options overrides pieces New would otherwise build from the config
type Options struct {
	// Provider replaces the configured model provider
	Provider llm.Provider
	// Secrets replaces the Vault/env secret manager
	Secrets secrets.Manager
	// Metrics is the Prometheus-backed meter provider; nil uses the global one
	Metrics *observability.Metrics
	Pacer   *relay.Pacer
}

// New wires the application over an open database
func New(cfg *config.Config, db *gorm.DB, log *logger.Logger, opts Options) (*Container, error) {
	c := &Container{
		Config:  cfg,
		DB:      db,
		Logger:  log,
		Metrics: opts.Metrics,
	}

	var userCache service.UserCache
	if cfg.Redis.Enabled {
		c.Redis = redis.NewRedisClient(redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		userCache = c.Redis
	}

	users := repository.NewGormUserRepository(db)
	c.UserService = service.NewUserService(users, userCache, cfg.Redis.UserTTL, log)
	c.ConversationService = service.NewConversationService(repository.NewGormConversationRepository(db), users)
	c.MessageService = service.NewMessageService(repository.NewGormMessageRepository(db), c.ConversationService)

	c.Secrets = opts.Secrets
	if c.Secrets == nil {
		vm, err := secrets.NewVaultManager(secrets.VaultConfig{
			Enabled:     cfg.Vault.Enabled,
			Address:     cfg.Vault.Address,
			Token:       cfg.Vault.Token,
			Namespace:   cfg.Vault.Namespace,
			SecretsPath: cfg.Vault.SecretsPath,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create secret manager: %w", err)
		}
		c.Secrets = vm
	}

	provider := opts.Provider
	if provider == nil {
		var err error
		provider, err = newProvider(cfg, llm.KeyFunc(secrets.Lookup(c.Secrets, cfg.LLM.APIKeySecret)))
		if err != nil {
			return nil, err
		}
	}
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("llm-"+provider.Name()), log)
	c.Provider = llm.NewBreakerProvider(provider, breaker)

	relayOpts := []relay.Option{
		relay.WithTitleLength(cfg.Relay.TitleLength),
		relay.WithMaxImageBytes(cfg.Relay.MaxImageBytes),
		relay.WithDefaultSpeed(relay.Speed(cfg.Relay.DefaultSpeed)),
	}
	if opts.Pacer != nil {
		relayOpts = append(relayOpts, relay.WithPacer(opts.Pacer))
	}
	if c.Metrics != nil {
		m, err := relay.NewMetrics(c.Metrics.Provider.Meter("topic-chat/relay"))
		if err != nil {
			return nil, fmt.Errorf("failed to create relay metrics: %w", err)
		}
		relayOpts = append(relayOpts, relay.WithMetrics(m))
	}

	c.Hub = ws.NewHub(log)
	relayOpts = append(relayOpts, relay.WithNotifier(c.Hub))
	c.Relay = relay.New(c.Provider,
		service.NewRelayStoreAdapter(c.ConversationService, c.MessageService),
		log, relayOpts...)

	c.Health = health.NewChecker(log, cfg.Health.Interval)
	c.Health.RegisterDatabaseCheck(func(context.Context) error { return config.TestConnection(db) })
	if c.Redis != nil {
		c.Health.RegisterCacheCheck(c.Redis.Ping)
	}
	c.Health.RegisterUpstreamCheck(provider.Name(), c.Provider.CheckCredential, func() string {
		return string(breaker.GetState())
	})

	if cfg.Cache.Enabled {
		c.ResponseCache = cache.New(cache.Options{
			TTL:             cfg.Cache.TTL,
			MaxItems:        cfg.Cache.MaxSize,
			CleanupInterval: cfg.Cache.PurgeWindow,
		})
		c.Coalescer = middleware.NewResponseCoalescer(c.ResponseCache)
	}

	return c, nil
}

func newProvider(cfg *config.Config, keys llm.KeyFunc) (llm.Provider, error) {
	httpClient := &http.Client{Timeout: cfg.LLM.Timeout}
	switch cfg.LLM.Provider {
	case "datastream", "":
		return llm.NewDataStreamProvider(keys,
			llm.WithBaseURL(cfg.LLM.BaseURL),
			llm.WithModel(cfg.LLM.Model),
			llm.WithHTTPClient(httpClient),
		), nil
	case "gemini":
		return llm.NewGeminiProvider(keys, cfg.LLM.Model, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.LLM.Provider)
	}
}

// Start runs the background loops until ctx is done
func (c *Container) Start(ctx context.Context) {
	go c.Hub.Run(ctx)
	c.Health.Start(ctx)
}

// Close releases clients the container opened
func (c *Container) Close() error {
	if c.ResponseCache != nil {
		c.ResponseCache.Stop()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			return fmt.Errorf("failed to close redis: %w", err)
		}
	}
	return nil
}
