package core

import (
	"testing"
	"time"

	"github.com/odin-rt/core/perf"
	"github.com/odin-rt/core/supervisor"
)

func validConfig() Config {
	return Config{
		URL:                     "wss://localhost:8443/ws",
		RateLimitCapacity:       20,
		QueueCapacity:           256,
		WorkerPoolSize:          4,
		WorkerQueueSize:         256,
		ReconnectJitter:         0.10,
		ReconnectStrategy:       "exponential",
		CacheEviction:           "lru",
		LogLevel:                "info",
		LogFormat:               "json",
		MemoryPressureThreshold: 85.0,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsEmptyURL(t *testing.T) {
	cfg := validConfig()
	cfg.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestValidateRejectsNonPositiveRateLimitCapacity(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimitCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero RateLimitCapacity")
	}
}

func TestValidateRejectsNonPositiveQueueCapacity(t *testing.T) {
	cfg := validConfig()
	cfg.QueueCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero QueueCapacity")
	}
}

func TestValidateRejectsNonPositiveWorkerPoolSize(t *testing.T) {
	cfg := validConfig()
	cfg.WorkerPoolSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero WorkerPoolSize")
	}
}

func TestValidateRejectsNonPositiveWorkerQueueSize(t *testing.T) {
	cfg := validConfig()
	cfg.WorkerQueueSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero WorkerQueueSize")
	}
}

func TestValidateRejectsOutOfRangeJitter(t *testing.T) {
	cfg := validConfig()
	cfg.ReconnectJitter = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for jitter > 1")
	}
	cfg.ReconnectJitter = -0.1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative jitter")
	}
}

func TestValidateRejectsUnknownReconnectStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.ReconnectStrategy = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown reconnect strategy")
	}
}

func TestValidateRejectsUnknownCacheEviction(t *testing.T) {
	cfg := validConfig()
	cfg.CacheEviction = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown cache eviction")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log format")
	}
}

func TestValidateRejectsOutOfRangeMemoryPressureThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.MemoryPressureThreshold = 150
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range memory pressure threshold")
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ODIN_URL", "wss://example.test/ws")
	t.Setenv("ODIN_RATE_LIMIT_CAPACITY", "20")
	t.Setenv("ODIN_QUEUE_CAPACITY", "256")
	t.Setenv("ODIN_WORKER_POOL_SIZE", "4")
	t.Setenv("ODIN_WORKER_QUEUE_SIZE", "256")
	t.Setenv("ODIN_RECONNECT_STRATEGY", "linear")
	t.Setenv("ODIN_CACHE_EVICTION", "lfu")
	t.Setenv("ODIN_LOG_LEVEL", "debug")
	t.Setenv("ODIN_LOG_FORMAT", "text")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.URL != "wss://example.test/ws" {
		t.Errorf("URL = %q", cfg.URL)
	}
	if cfg.ReconnectStrategy != "linear" {
		t.Errorf("ReconnectStrategy = %q, want linear", cfg.ReconnectStrategy)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want default 10s", cfg.HandshakeTimeout)
	}
}

func TestLoadConfigPropagatesValidationError(t *testing.T) {
	t.Setenv("ODIN_URL", "")
	if _, err := LoadConfig(nil); err == nil {
		t.Fatal("expected LoadConfig to surface a Validate error for empty URL")
	}
}

func TestAuthModeSelection(t *testing.T) {
	if authMode("") != "none" {
		t.Errorf("authMode(\"\") = %q, want none", authMode(""))
	}
	if authMode("s3cr3t") != "jwt" {
		t.Errorf("authMode(secret) = %q, want jwt", authMode("s3cr3t"))
	}
}

func TestCacheEvictionMapping(t *testing.T) {
	cases := map[string]perf.Eviction{
		"lfu":     perf.EvictLFU,
		"ttl":     perf.EvictTTL,
		"lru":     perf.EvictLRU,
		"unknown": perf.EvictLRU,
	}
	for in, want := range cases {
		if got := cacheEviction(in); got != want {
			t.Errorf("cacheEviction(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestReconnectStrategyMapping(t *testing.T) {
	cases := map[string]supervisor.ReconnectStrategy{
		"none":      supervisor.ReconnectNone,
		"immediate": supervisor.ReconnectImmediate,
		"linear":    supervisor.ReconnectLinear,
		"unknown":   supervisor.ReconnectExponential,
	}
	for in, want := range cases {
		if got := reconnectStrategy(in); got != want {
			t.Errorf("reconnectStrategy(%q) = %v, want %v", in, got, want)
		}
	}
}
