package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/cache"
	"github.com/pitabwire/flowdesk/internal/capability"
	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/draft"
	"github.com/pitabwire/flowdesk/internal/idempotency"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/internal/registry"
)

// draftStore is a draft.Store the readiness probe can check.
type draftStore interface {
	draft.Store
	observability.HealthChecker
}

// checkedCache is a cache.FlowCache the readiness probe can check.
type checkedCache interface {
	cache.FlowCache
	observability.HealthChecker
}

// buildOverrides applies the display overrides file and, with hot reload on,
// watches it. The returned stop function may be nil.
func buildOverrides(cfg config.RegistryConfig, reg *registry.Registry, metrics *observability.Metrics, logger *zap.Logger) (func(), error) {
	if cfg.OverridesFile == "" {
		return nil, nil
	}
	loader, err := registry.NewOverrideLoader(cfg.OverridesFile, reg, logger)
	if err != nil {
		return nil, err
	}
	loader.OnChange(func(applied int) {
		metrics.RecordRegistryReload("success", applied)
	})
	if !cfg.HotReload {
		return nil, nil
	}
	stop, err := loader.Watch()
	if err != nil {
		logger.Warn("registry overrides hot reload disabled", zap.Error(err))
		return nil, nil
	}
	return stop, nil
}

func buildFlowCache(cfg config.FlowCacheConfig, logger *zap.Logger) (checkedCache, func(), error) {
	switch cfg.Driver {
	case "none":
		return cache.Nop{}, nil, nil
	case "memory", "":
		logger.Info("flow cache in memory", zap.Duration("ttl", cfg.TTL))
		return cache.NewMemory(cfg.TTL), nil, nil
	case "redis":
		client, err := redisClient(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("flow cache: %w", err)
		}
		return cache.NewRedis(client, cfg.TTL), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("flow cache: unsupported driver %q", cfg.Driver)
}

// buildIdempotencyStore returns a nil store when deduplication is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("idempotency keys in memory")
		return idempotency.NewMemory(), nil, nil
	case "redis":
		client, err := redisClient(cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return idempotency.NewRedis(client), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("idempotency store: unsupported driver %q", cfg.Store.Driver)
}

func redisClient(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s is not set", addrEnv)
	}
	return redis.NewClient(&redis.Options{Addr: addr, DB: db}), nil
}

// buildDraftStore opens the configured store. A postgres pool is registered
// with onClose as soon as it is open, and the schema is migrated before use.
func buildDraftStore(ctx context.Context, cfg config.DraftsConfig, logger *zap.Logger, onClose func(func())) (draftStore, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("drafts in memory; they do not survive a restart")
		return draft.NewMemoryStore(), nil
	case "postgres":
	default:
		return nil, fmt.Errorf("draft store: unsupported driver %q", cfg.Driver)
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("draft store: %s is not set", cfg.DSNEnv)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("draft store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("draft store: connect: %w", err)
	}
	onClose(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("draft store: ping: %w", err)
	}
	store := draft.NewPgStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("draft store: %w", err)
	}
	return store, nil
}

func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	if cfg.Evaluator != "static" && cfg.Evaluator != "" {
		return nil, fmt.Errorf("unsupported evaluator %q", cfg.Evaluator)
	}
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return capability.NewResolver(evaluator, cfg.Cache.TTL,
		capability.WithMaxEntries(cfg.Cache.MaxEntries),
		capability.WithMetrics(metrics),
	), nil
}
