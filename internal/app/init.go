package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quorixlabs/infergate/internal/batch"
	"github.com/quorixlabs/infergate/internal/cache"
	"github.com/quorixlabs/infergate/internal/metrics"
	"github.com/quorixlabs/infergate/internal/proxy"
	"github.com/quorixlabs/infergate/internal/quota"
	"github.com/quorixlabs/infergate/internal/router"
	"github.com/quorixlabs/infergate/internal/usage"
)

// initInfra establishes optional external connections. The gateway runs
// fully in-process when REDIS_URL is unset.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initBackends builds the backend rotation. A non-empty rotation is
// enforced by config validation before we reach here.
func (a *App) initBackends(ctx context.Context) error {
	list, err := buildBackends(ctx, a.cfg)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("no backends configured")
	}
	a.list = list

	ids := make([]string, len(list))
	for i, b := range list {
		ids[i] = b.ID()
	}
	a.log.Info("backends loaded", slog.Any("backends", ids))

	return nil
}

// initServices creates the cache, quota manager, usage sink and Prometheus
// metrics registry.
func (a *App) initServices(ctx context.Context) error {
	// Cache: zero TTL disables it; Redis when connected, else in-process LRU.
	switch {
	case a.cfg.Cache.TTL <= 0:
		a.log.Info("cache backend: disabled")
	case a.rdb != nil:
		a.cacheImpl = cache.NewRedisCacheFromClient(a.rdb, a.cfg.Redis.Prefix)
		a.log.Info("cache backend: redis")
	default:
		a.cacheImpl = cache.NewMemoryCache(0)
		a.log.Info("cache backend: memory (in-process)")
	}

	if len(a.cfg.Cache.Exclude) > 0 {
		el, err := cache.NewExclusionList(a.cfg.Cache.Exclude)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// Quota counters share the Redis connection when present, so limits
	// hold across replicas.
	var store quota.Store
	if a.rdb != nil {
		store = quota.NewRedisStore(a.rdb, a.cfg.Redis.Prefix)
	} else {
		store = quota.NewMemoryStore()
	}
	a.quotaMgr = quota.NewManager(store, quota.Limits{
		RequestsPerMinute: a.cfg.Limits.RequestsPerMinute,
		TokensPerMinute:   a.cfg.Limits.TokensPerMinute,
		TokensPerDay:      a.cfg.Limits.TokensPerDay,
	}, a.cfg.QuotaFailOpen, a.prom, a.log)

	// Usage rows go to ClickHouse when configured, otherwise to the log.
	if a.cfg.ClickHouse.URL != "" {
		sink, err := usage.NewClickHouseSink(ctx, a.cfg.ClickHouse.URL, a.cfg.ClickHouse.Database, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.usageSink = sink
		a.log.Info("usage sink: clickhouse", slog.String("database", a.cfg.ClickHouse.Database))
	} else {
		sink, err := usage.NewLogSink(ctx, a.log)
		if err != nil {
			return fmt.Errorf("usage sink: %w", err)
		}
		a.usageSink = sink
	}

	return nil
}

// initGateway wires the routing layer and the HTTP request plane together.
func (a *App) initGateway(_ context.Context) error {
	ids := make([]string, len(a.list))
	for i, b := range a.list {
		ids[i] = b.ID()
	}

	a.cb = router.NewCircuitBreaker(ids, router.BreakerConfig{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         a.cfg.CircuitBreaker.Cooldown,
	})
	a.rt = router.New(a.list, a.cb, a.cfg.Router.Retries, a.prom, a.log)
	a.prober = router.NewProber(a.baseCtx, a.list, a.cb, a.cfg.Router.ProbeInterval, a.prom, a.log)

	if a.cfg.Batch.Enabled {
		a.batcher = batch.New(a.cfg.Batch.MaxSize, a.cfg.Batch.MaxWait, a.rt.Execute, a.prom.BatchFlush)
		a.log.Info("micro-batching enabled",
			slog.Int("max_size", a.cfg.Batch.MaxSize),
			slog.Duration("max_wait", a.cfg.Batch.MaxWait),
		)
	}

	gw, err := proxy.New(a.baseCtx, proxy.Dependencies{
		Router:     a.rt,
		Prober:     a.prober,
		Quota:      a.quotaMgr,
		Cache:      a.cacheImpl,
		Exclusions: a.exclusions,
		Batcher:    a.batcher,
		Usage:      a.usageSink,
		Metrics:    a.prom,
		Logger:     a.log,
	}, proxy.Config{
		APIKeys: a.cfg.APIKeys,
		Defaults: proxy.Defaults{
			MaxTokens:   a.cfg.Defaults.MaxTokens,
			Temperature: a.cfg.Defaults.Temperature,
			TopP:        a.cfg.Defaults.TopP,
		},
		RequestTimeout:     a.cfg.RequestTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		StreamReplay:       a.cfg.Stream.ReplayBuffer,
		StreamSlowConsumer: a.cfg.Stream.SlowConsumer,
		Version:            a.version,
		CORSOrigins:        a.cfg.CORSOrigins,
	})
	if err != nil {
		return err
	}
	a.gw = gw

	return nil
}
