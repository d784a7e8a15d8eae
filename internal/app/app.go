// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when configured)
//  2. initBackends — upstream backend adapters
//  3. initServices — cache, quota, usage sink, metrics registry
//  4. initGateway  — router, breaker, prober, batcher, HTTP request plane
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quorixlabs/infergate/internal/backends"
	anthropicbk "github.com/quorixlabs/infergate/internal/backends/anthropic"
	geminibk "github.com/quorixlabs/infergate/internal/backends/gemini"
	mockbk "github.com/quorixlabs/infergate/internal/backends/mock"
	openaibk "github.com/quorixlabs/infergate/internal/backends/openai"
	"github.com/quorixlabs/infergate/internal/batch"
	"github.com/quorixlabs/infergate/internal/cache"
	"github.com/quorixlabs/infergate/internal/config"
	"github.com/quorixlabs/infergate/internal/metrics"
	"github.com/quorixlabs/infergate/internal/proxy"
	"github.com/quorixlabs/infergate/internal/quota"
	"github.com/quorixlabs/infergate/internal/router"
	"github.com/quorixlabs/infergate/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connection — nil when REDIS_URL is unset.
	rdb *redis.Client

	usageSink  usage.Sink
	cacheImpl  cache.Cache
	exclusions *cache.ExclusionList
	quotaMgr   *quota.Manager
	prom       *metrics.Registry

	list    []backends.Backend
	cb      *router.CircuitBreaker
	rt      *router.Router
	prober  *router.Prober
	batcher *batch.Batcher

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backends", a.initBackends},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. The listener is shut down gracefully on cancellation;
// Close still needs to be called to release the remaining resources.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.HTTPAddr),
		slog.Int("backends", len(a.list)),
		slog.Bool("redis", a.rdb != nil),
		slog.Bool("batching", a.batcher != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(a.cfg.HTTPAddr)
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.gw.Shutdown()
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.batcher != nil {
		a.batcher.Close()
		a.batcher = nil
	}
	if a.usageSink != nil {
		if err := a.usageSink.Close(); err != nil {
			a.log.Error("usage sink close error", slog.String("error", err.Error()))
		}
		a.usageSink = nil
	}
	if a.cacheImpl != nil {
		if err := a.cacheImpl.Close(); err != nil {
			a.log.Error("cache close error", slog.String("error", err.Error()))
		}
		a.cacheImpl = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildBackends creates the rotation from non-empty API keys plus the
// configured number of in-process mocks. Order decides routing preference.
func buildBackends(ctx context.Context, cfg *config.Config) ([]backends.Backend, error) {
	var list []backends.Backend

	if cfg.OpenAI.APIKey != "" {
		opts := []openaibk.Option{openaibk.WithTimeout(cfg.OpenAI.Timeout)}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaibk.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		list = append(list, openaibk.New(cfg.OpenAI.APIKey, opts...))
	}

	if cfg.Anthropic.APIKey != "" {
		opts := []anthropicbk.Option{anthropicbk.WithTimeout(cfg.Anthropic.Timeout)}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicbk.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		list = append(list, anthropicbk.New(cfg.Anthropic.APIKey, opts...))
	}

	if cfg.Gemini.APIKey != "" {
		opts := []geminibk.Option{geminibk.WithTimeout(cfg.Gemini.Timeout)}
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminibk.WithBaseURL(cfg.Gemini.BaseURL))
		}
		b, err := geminibk.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		list = append(list, b)
	}

	for i := 0; i < cfg.MockBackends; i++ {
		list = append(list, mockbk.New(fmt.Sprintf("mock-%d", i+1)))
	}

	return list, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	at := strings.IndexByte(raw, '@')
	if at < 0 {
		return raw
	}
	if i := strings.Index(raw, "://"); i >= 0 && i+3 <= at {
		return raw[:i+3] + "***" + raw[at:]
	}
	return "***" + raw[at:]
}
