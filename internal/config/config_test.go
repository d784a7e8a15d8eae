package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "dev-key" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.Limits.RequestsPerMinute != 120 || cfg.Limits.TokensPerMinute != 120000 || cfg.Limits.TokensPerDay != 2000000 {
		t.Errorf("Limits = %+v", cfg.Limits)
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.Defaults.MaxTokens != 256 || cfg.Defaults.Temperature != 0.7 || cfg.Defaults.TopP != 1.0 {
		t.Errorf("Defaults = %+v", cfg.Defaults)
	}
	if cfg.Stream.ReplayBuffer != 1024 || cfg.Stream.SlowConsumer != 5*time.Second {
		t.Errorf("Stream = %+v", cfg.Stream)
	}
	if !cfg.Batch.Enabled || cfg.Batch.MaxSize != 8 || cfg.Batch.MaxWait != 10*time.Millisecond {
		t.Errorf("Batch = %+v", cfg.Batch)
	}
	if cfg.MockBackends != 1 {
		t.Errorf("MockBackends = %d", cfg.MockBackends)
	}
	if !cfg.QuotaFailOpen {
		t.Error("QuotaFailOpen should default to true")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_API_KEYS", "alpha, beta")
	t.Setenv("GATEWAY_LIMIT_REQUESTS_PER_MINUTE", "7")
	t.Setenv("GATEWAY_CACHE_TTL_SECS", "30")
	t.Setenv("GATEWAY_LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "alpha" || cfg.APIKeys[1] != "beta" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.Limits.RequestsPerMinute != 7 {
		t.Errorf("RequestsPerMinute = %d", cfg.Limits.RequestsPerMinute)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, key, value, wantSubstr string
	}{
		{"empty api keys", "GATEWAY_API_KEYS", "  , ,", "GATEWAY_API_KEYS"},
		{"bad log level", "GATEWAY_LOG_LEVEL", "loud", "GATEWAY_LOG_LEVEL"},
		{"bad log format", "GATEWAY_LOG_FORMAT", "xml", "GATEWAY_LOG_FORMAT"},
		{"zero rpm", "GATEWAY_LIMIT_REQUESTS_PER_MINUTE", "0", "GATEWAY_LIMIT_REQUESTS_PER_MINUTE"},
		{"zero timeout", "GATEWAY_REQUEST_TIMEOUT_SECS", "0", "GATEWAY_REQUEST_TIMEOUT_SECS"},
		{"hot default temperature", "GATEWAY_DEFAULT_TEMPERATURE", "3.5", "GATEWAY_DEFAULT_TEMPERATURE"},
		{"no backends", "GATEWAY_MOCK_BACKENDS", "0", "no backends"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load accepted %s=%s", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.wantSubstr) {
				t.Errorf("error %q missing %q", err, tt.wantSubstr)
			}
		})
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, b ,, c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitCSV = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitCSV[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
