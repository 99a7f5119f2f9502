package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aescanero/cannoli/internal/config"
	"github.com/aescanero/cannoli/internal/engine"
	memoryevents "github.com/aescanero/cannoli/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/cannoli/pkg/adapters/events/redis"
	"github.com/aescanero/cannoli/pkg/adapters/fetch"
	"github.com/aescanero/cannoli/pkg/adapters/llm"
	memorystorage "github.com/aescanero/cannoli/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/cannoli/pkg/adapters/storage/redis"
	memoryvault "github.com/aescanero/cannoli/pkg/adapters/vault/memory"
	redisvault "github.com/aescanero/cannoli/pkg/adapters/vault/redis"
	"github.com/aescanero/cannoli/pkg/ports"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// components are the adapters selected by configuration.
type components struct {
	redis   *goredis.Client
	bus     ports.EventBus
	storage ports.StateStorage
	vault   ports.Vault
	llm     ports.LLMClient
	fetcher ports.Fetcher
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{}

	if cfg.UsesRedis() {
		c.redis = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			_ = c.redis.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	switch cfg.Events.Backend {
	case config.BackendRedis:
		consumer := cfg.Workers.ConsumerName
		if consumer == "" {
			consumer = fmt.Sprintf("cannoli-%d", os.Getpid())
		}
		bus, err := redisevents.NewStreamsEventBus(c.redis, cfg.Workers.ConsumerGroup, consumer, logger)
		if err != nil {
			c.Close(logger)
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		c.bus = bus
	default:
		c.bus = memoryevents.NewInMemoryEventBus(logger)
	}

	switch cfg.Storage.Backend {
	case config.BackendRedis:
		c.storage = redisstorage.NewStateStorage(c.redis, cfg.Storage.TTL, logger)
	default:
		c.storage = memorystorage.NewInMemoryStateStorage(cfg.Storage.TTL)
	}

	switch cfg.Vault.Backend {
	case config.BackendRedis:
		c.vault = redisvault.NewVault(c.redis, cfg.Vault.Namespace, logger)
	default:
		c.vault = memoryvault.NewVault(nil)
	}

	client, err := llm.NewClient(&llm.Config{
		Provider:  cfg.LLM.Provider,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.DefaultModel,
		MaxTokens: cfg.LLM.DefaultMaxTokens,
		BaseURL:   cfg.LLM.BaseURL,
		Timeout:   cfg.LLM.RequestTimeout,
		Logger:    logger,
	})
	if err != nil {
		c.Close(logger)
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	c.llm = llm.NewLimiter(client, cfg.LLM.MaxConcurrentRequests, cfg.LLM.RequestsPerSecond)
	c.fetcher = fetch.NewClient(cfg.Timeouts.FetchTimeout, logger)

	return c, nil
}

// engineOptions are the collaborators shared by every run.
func (c *components) engineOptions(logger *zap.Logger) engine.Options {
	return engine.Options{
		LLM:     c.llm,
		Fetcher: c.fetcher,
		Vault:   c.vault,
		Pricer:  llm.DefaultPrices(),
		Logger:  logger,
		Tracer:  otel.Tracer("github.com/aescanero/cannoli"),
	}
}

// Close releases the event bus and the Redis connection.
func (c *components) Close(logger *zap.Logger) {
	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			logger.Error("event bus close error", zap.Error(err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}
}
