// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file in the working directory
// is loaded into the environment first when present.
//
// The gateway can start with zero external services: the default configuration
// uses one in-process mock backend, the in-memory cache and in-memory quota
// counters. Point REDIS_URL, CLICKHOUSE_URL or a provider API key at real
// infrastructure to upgrade individual subsystems.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// HTTPAddr is the listen address of the HTTP server. Default: ":8080".
	HTTPAddr string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// LogFormat selects the log encoding. One of: json, text. Default: json.
	LogFormat string

	// APIKeys are the keys clients must present in the x-api-key header.
	// Comma-separated in GATEWAY_API_KEYS. Default: a single "dev-key" so the
	// gateway is usable out of the box; replace it in any real deployment.
	APIKeys []string

	// Limits are the per-key admission limits enforced before dispatch.
	Limits LimitsConfig

	// QuotaFailOpen admits requests without quota headers when the quota
	// store is unreachable. When false such requests are refused with 500.
	// Default: true.
	QuotaFailOpen bool

	// Cache controls the response cache.
	Cache CacheConfig

	// Redis holds the connection URL for the Redis-backed cache and quota
	// counters. Leave empty to keep both in process memory.
	Redis RedisConfig

	// Defaults fill generation parameters the client omitted.
	Defaults DefaultsConfig

	// RequestTimeout bounds a single request end to end, streaming included.
	// Default: 60s.
	RequestTimeout time.Duration

	// Stream controls coalesced stream fan-out.
	Stream StreamConfig

	// Batch controls upstream micro-batching of unary requests.
	Batch BatchConfig

	// CircuitBreaker controls per-backend breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Router controls retry and health-probe behaviour.
	Router RouterConfig

	// Provider credentials. A provider with an empty APIKey is not registered.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// MockBackends is the number of in-process mock backends to register.
	// Useful for development and load testing. Default: 1, so the gateway
	// serves traffic with no provider keys at all.
	MockBackends int

	// ClickHouse receives per-request usage rows when URL is set. Leave the
	// URL empty to log usage through slog instead.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// LimitsConfig holds the per-key admission limits.
type LimitsConfig struct {
	// RequestsPerMinute caps admitted requests per key per minute window.
	// Default: 120.
	RequestsPerMinute int

	// TokensPerMinute caps estimated tokens per key per minute window.
	// Default: 120000.
	TokensPerMinute int

	// TokensPerDay caps estimated tokens per key per UTC day.
	// Default: 2000000.
	TokensPerDay int
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// TTL is the time-to-live for cached responses. Zero disables the cache
	// entirely. Default: 90s.
	TTL time.Duration

	// Exclude lists models that must never be cached. A rule with the "re:"
	// prefix is treated as a regular expression, anything else as an exact
	// model name. Example: ["gpt-4o-audio", "re:^ft:"]
	Exclude []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string

	// Prefix namespaces every key the gateway writes. Default: "gateway".
	Prefix string
}

// DefaultsConfig fills generation parameters the client omitted.
type DefaultsConfig struct {
	// MaxTokens default: 256.
	MaxTokens int
	// Temperature default: 0.7. Clamped to [0, 2] per request.
	Temperature float64
	// TopP default: 1.0. Clamped to [0, 1] per request.
	TopP float64
}

// StreamConfig controls coalesced stream fan-out.
type StreamConfig struct {
	// ReplayBuffer is how many chunks a stream retains for late joiners.
	// A stream that outgrows it stops accepting new subscribers. Default: 1024.
	ReplayBuffer int

	// SlowConsumer is how long a subscriber may stall before it is dropped
	// with a slow-consumer error. Default: 5s.
	SlowConsumer time.Duration
}

// BatchConfig controls upstream micro-batching of unary requests.
type BatchConfig struct {
	// Enabled default: true.
	Enabled bool
	// MaxSize flushes a batch at this many requests. Default: 8.
	MaxSize int
	// MaxWait flushes a partial batch after this delay. Default: 10ms.
	MaxWait time.Duration
}

// CircuitBreakerConfig controls per-backend breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 3.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

// RouterConfig controls retry and health-probe behaviour.
type RouterConfig struct {
	// Retries is the number of additional backends tried after the first
	// attempt fails with a retryable error. Default: 2.
	Retries int

	// ProbeInterval is the period of the background health prober.
	// Default: 10s.
	ProbeInterval time.Duration
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Timeout is the per-call timeout for this provider. Default: 60s.
	Timeout time.Duration
}

// ClickHouseConfig holds the usage-analytics sink configuration.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Leave empty to disable the sink.
	URL string

	// Database holds the usage table. Default: "default".
	Database string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// No variable is strictly required: the defaults run a self-contained gateway
// with one mock backend and a development API key.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("GATEWAY_HTTP_ADDR", ":8080")
	v.SetDefault("GATEWAY_LOG_LEVEL", "info")
	v.SetDefault("GATEWAY_LOG_FORMAT", "json")
	v.SetDefault("GATEWAY_API_KEYS", "dev-key")
	v.SetDefault("GATEWAY_CORS_ORIGINS", "*")
	v.SetDefault("GATEWAY_REQUEST_TIMEOUT_SECS", 60)

	// Admission limits.
	v.SetDefault("GATEWAY_LIMIT_REQUESTS_PER_MINUTE", 120)
	v.SetDefault("GATEWAY_LIMIT_TOKENS_PER_MINUTE", 120000)
	v.SetDefault("GATEWAY_LIMIT_TOKENS_PER_DAY", 2000000)
	v.SetDefault("GATEWAY_QUOTA_FAIL_OPEN", true)

	// Cache.
	v.SetDefault("GATEWAY_CACHE_TTL_SECS", 90)
	v.SetDefault("GATEWAY_REDIS_PREFIX", "gateway")

	// Generation defaults.
	v.SetDefault("GATEWAY_DEFAULT_MAX_TOKENS", 256)
	v.SetDefault("GATEWAY_DEFAULT_TEMPERATURE", 0.7)
	v.SetDefault("GATEWAY_DEFAULT_TOP_P", 1.0)

	// Stream fan-out.
	v.SetDefault("GATEWAY_STREAM_REPLAY_BUFFER", 1024)
	v.SetDefault("GATEWAY_STREAM_SLOW_CONSUMER_SECS", 5)

	// Micro-batching.
	v.SetDefault("GATEWAY_BATCH_ENABLED", true)
	v.SetDefault("GATEWAY_BATCH_MAX_SIZE", 8)
	v.SetDefault("GATEWAY_BATCH_MAX_WAIT_MS", 10)

	// Circuit breaker and routing.
	v.SetDefault("GATEWAY_CB_FAILURE_THRESHOLD", 3)
	v.SetDefault("GATEWAY_CB_COOLDOWN_SECS", 30)
	v.SetDefault("GATEWAY_ROUTER_RETRIES", 2)
	v.SetDefault("GATEWAY_HEALTH_PROBE_INTERVAL_SECS", 10)

	// Providers.
	v.SetDefault("GATEWAY_MOCK_BACKENDS", 1)
	v.SetDefault("OPENAI_TIMEOUT_SECS", 60)
	v.SetDefault("ANTHROPIC_TIMEOUT_SECS", 60)
	v.SetDefault("GEMINI_TIMEOUT_SECS", 60)

	// Usage analytics.
	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		HTTPAddr:  v.GetString("GATEWAY_HTTP_ADDR"),
		LogLevel:  strings.ToLower(v.GetString("GATEWAY_LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("GATEWAY_LOG_FORMAT")),

		APIKeys: splitCSV(v.GetString("GATEWAY_API_KEYS")),

		Limits: LimitsConfig{
			RequestsPerMinute: v.GetInt("GATEWAY_LIMIT_REQUESTS_PER_MINUTE"),
			TokensPerMinute:   v.GetInt("GATEWAY_LIMIT_TOKENS_PER_MINUTE"),
			TokensPerDay:      v.GetInt("GATEWAY_LIMIT_TOKENS_PER_DAY"),
		},
		QuotaFailOpen: v.GetBool("GATEWAY_QUOTA_FAIL_OPEN"),

		Cache: CacheConfig{
			TTL:     time.Duration(v.GetInt("GATEWAY_CACHE_TTL_SECS")) * time.Second,
			Exclude: splitCSV(v.GetString("GATEWAY_CACHE_EXCLUDE")),
		},

		Redis: RedisConfig{
			URL:    v.GetString("REDIS_URL"),
			Prefix: v.GetString("GATEWAY_REDIS_PREFIX"),
		},

		Defaults: DefaultsConfig{
			MaxTokens:   v.GetInt("GATEWAY_DEFAULT_MAX_TOKENS"),
			Temperature: v.GetFloat64("GATEWAY_DEFAULT_TEMPERATURE"),
			TopP:        v.GetFloat64("GATEWAY_DEFAULT_TOP_P"),
		},

		RequestTimeout: time.Duration(v.GetInt("GATEWAY_REQUEST_TIMEOUT_SECS")) * time.Second,

		Stream: StreamConfig{
			ReplayBuffer: v.GetInt("GATEWAY_STREAM_REPLAY_BUFFER"),
			SlowConsumer: time.Duration(v.GetInt("GATEWAY_STREAM_SLOW_CONSUMER_SECS")) * time.Second,
		},

		Batch: BatchConfig{
			Enabled: v.GetBool("GATEWAY_BATCH_ENABLED"),
			MaxSize: v.GetInt("GATEWAY_BATCH_MAX_SIZE"),
			MaxWait: time.Duration(v.GetInt("GATEWAY_BATCH_MAX_WAIT_MS")) * time.Millisecond,
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("GATEWAY_CB_FAILURE_THRESHOLD"),
			Cooldown:         time.Duration(v.GetInt("GATEWAY_CB_COOLDOWN_SECS")) * time.Second,
		},

		Router: RouterConfig{
			Retries:       v.GetInt("GATEWAY_ROUTER_RETRIES"),
			ProbeInterval: time.Duration(v.GetInt("GATEWAY_HEALTH_PROBE_INTERVAL_SECS")) * time.Second,
		},

		OpenAI: ProviderConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Timeout: time.Duration(v.GetInt("OPENAI_TIMEOUT_SECS")) * time.Second,
		},
		Anthropic: ProviderConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Timeout: time.Duration(v.GetInt("ANTHROPIC_TIMEOUT_SECS")) * time.Second,
		},
		Gemini: ProviderConfig{
			APIKey:  v.GetString("GEMINI_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			Timeout: time.Duration(v.GetInt("GEMINI_TIMEOUT_SECS")) * time.Second,
		},
		MockBackends: v.GetInt("GATEWAY_MOCK_BACKENDS"),

		ClickHouse: ClickHouseConfig{
			URL:      v.GetString("CLICKHOUSE_URL"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
		},

		CORSOrigins: splitCSV(v.GetString("GATEWAY_CORS_ORIGINS")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: GATEWAY_API_KEYS must contain at least one non-empty key")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid GATEWAY_LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf(
			"config: invalid GATEWAY_LOG_FORMAT %q; must be one of: json, text",
			c.LogFormat,
		)
	}

	if c.Limits.RequestsPerMinute < 1 {
		return fmt.Errorf("config: GATEWAY_LIMIT_REQUESTS_PER_MINUTE must be >= 1, got %d", c.Limits.RequestsPerMinute)
	}
	if c.Limits.TokensPerMinute < 1 {
		return fmt.Errorf("config: GATEWAY_LIMIT_TOKENS_PER_MINUTE must be >= 1, got %d", c.Limits.TokensPerMinute)
	}
	if c.Limits.TokensPerDay < 1 {
		return fmt.Errorf("config: GATEWAY_LIMIT_TOKENS_PER_DAY must be >= 1, got %d", c.Limits.TokensPerDay)
	}

	if c.Cache.TTL < 0 {
		return fmt.Errorf("config: GATEWAY_CACHE_TTL_SECS must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: GATEWAY_REQUEST_TIMEOUT_SECS must be a positive duration")
	}

	if c.Defaults.MaxTokens < 1 {
		return fmt.Errorf("config: GATEWAY_DEFAULT_MAX_TOKENS must be >= 1, got %d", c.Defaults.MaxTokens)
	}
	if c.Defaults.Temperature < 0 || c.Defaults.Temperature > 2 {
		return fmt.Errorf("config: GATEWAY_DEFAULT_TEMPERATURE must be within [0, 2], got %g", c.Defaults.Temperature)
	}
	if c.Defaults.TopP < 0 || c.Defaults.TopP > 1 {
		return fmt.Errorf("config: GATEWAY_DEFAULT_TOP_P must be within [0, 1], got %g", c.Defaults.TopP)
	}

	if c.Stream.ReplayBuffer < 1 {
		return fmt.Errorf("config: GATEWAY_STREAM_REPLAY_BUFFER must be >= 1, got %d", c.Stream.ReplayBuffer)
	}
	if c.Stream.SlowConsumer <= 0 {
		return fmt.Errorf("config: GATEWAY_STREAM_SLOW_CONSUMER_SECS must be a positive duration")
	}

	if c.Batch.Enabled {
		if c.Batch.MaxSize < 1 {
			return fmt.Errorf("config: GATEWAY_BATCH_MAX_SIZE must be >= 1, got %d", c.Batch.MaxSize)
		}
		if c.Batch.MaxWait < 0 {
			return fmt.Errorf("config: GATEWAY_BATCH_MAX_WAIT_MS must not be negative")
		}
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: GATEWAY_CB_FAILURE_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: GATEWAY_CB_COOLDOWN_SECS must be a positive duration")
	}
	if c.Router.Retries < 0 {
		return fmt.Errorf("config: GATEWAY_ROUTER_RETRIES must not be negative, got %d", c.Router.Retries)
	}
	if c.Router.ProbeInterval <= 0 {
		return fmt.Errorf("config: GATEWAY_HEALTH_PROBE_INTERVAL_SECS must be a positive duration")
	}

	if c.MockBackends < 0 {
		return fmt.Errorf("config: GATEWAY_MOCK_BACKENDS must not be negative, got %d", c.MockBackends)
	}
	if !c.AtLeastOneBackend() {
		return fmt.Errorf(
			"config: no backends configured; set OPENAI_API_KEY, ANTHROPIC_API_KEY, " +
				"GEMINI_API_KEY, or GATEWAY_MOCK_BACKENDS >= 1",
		)
	}

	return nil
}

// AtLeastOneBackend reports whether the rotation will be non-empty.
func (c *Config) AtLeastOneBackend() bool {
	return c.MockBackends > 0 ||
		c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != ""
}

// splitCSV parses a comma-separated value into its non-empty trimmed parts.
// Env vars carry lists as single strings, so viper's native slice handling
// does not apply.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
