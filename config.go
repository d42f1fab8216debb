package core

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config aggregates every subsystem's tunables behind caarlos0/env tags.
// Priority on load is ENV vars > .env file > defaults, same precedence
// as the teacher's Config.
type Config struct {
	// Connection
	URL              string        `env:"ODIN_URL" envDefault:"wss://localhost:8443/ws"`
	HandshakeTimeout time.Duration `env:"ODIN_HANDSHAKE_TIMEOUT" envDefault:"10s"`

	// Reconnection (§4.5)
	ReconnectStrategy    string        `env:"ODIN_RECONNECT_STRATEGY" envDefault:"exponential"`
	ReconnectBaseDelay   time.Duration `env:"ODIN_RECONNECT_BASE_DELAY" envDefault:"500ms"`
	ReconnectMaxDelay    time.Duration `env:"ODIN_RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"ODIN_RECONNECT_MAX_ATTEMPTS" envDefault:"0"`
	ReconnectJitter      float64       `env:"ODIN_RECONNECT_JITTER" envDefault:"0.10"`

	// Heartbeat
	HeartbeatInterval time.Duration `env:"ODIN_HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTimeout  time.Duration `env:"ODIN_HEARTBEAT_TIMEOUT" envDefault:"45s"`

	// Outbound queue
	QueueCapacity int `env:"ODIN_QUEUE_CAPACITY" envDefault:"256"`

	// Inbound dispatch pool (worker_pool.go)
	WorkerPoolSize  int `env:"ODIN_WORKER_POOL_SIZE" envDefault:"4"`
	WorkerQueueSize int `env:"ODIN_WORKER_QUEUE_SIZE" envDefault:"256"`

	// Security middleware (§5)
	RateLimitCapacity   float64       `env:"ODIN_RATE_LIMIT_CAPACITY" envDefault:"20"`
	RateLimitRefillRate float64       `env:"ODIN_RATE_LIMIT_REFILL_RATE" envDefault:"5"`
	RateLimitInterval   time.Duration `env:"ODIN_RATE_LIMIT_INTERVAL" envDefault:"1s"`
	MaxMessageBytes     int           `env:"ODIN_MAX_MESSAGE_BYTES" envDefault:"1048576"`
	JWTSecret           string        `env:"ODIN_JWT_SECRET" envDefault:""`

	// Performance middleware (§5)
	PoolMaxIdle           int           `env:"ODIN_POOL_MAX_IDLE" envDefault:"8"`
	PoolMaxTotal          int           `env:"ODIN_POOL_MAX_TOTAL" envDefault:"32"`
	PoolIdleTimeout       time.Duration `env:"ODIN_POOL_IDLE_TIMEOUT" envDefault:"5m"`
	CacheCapacity         int           `env:"ODIN_CACHE_CAPACITY" envDefault:"1024"`
	CacheEviction         string        `env:"ODIN_CACHE_EVICTION" envDefault:"lru"`
	CacheTTL              time.Duration `env:"ODIN_CACHE_TTL" envDefault:"5m"`
	BatchMaxSize          int           `env:"ODIN_BATCH_MAX_SIZE" envDefault:"32"`
	BatchMaxWait          time.Duration `env:"ODIN_BATCH_MAX_WAIT" envDefault:"50ms"`
	BatchCompressionBytes int           `env:"ODIN_BATCH_COMPRESSION_BYTES" envDefault:"4096"`

	// RPC correlator
	RPCUseUUID        bool          `env:"ODIN_RPC_USE_UUID" envDefault:"true"`
	RPCCallTimeout    time.Duration `env:"ODIN_RPC_CALL_TIMEOUT" envDefault:"10s"`
	RPCMaxAttempts    int           `env:"ODIN_RPC_MAX_ATTEMPTS" envDefault:"3"`
	RPCRetryBaseDelay time.Duration `env:"ODIN_RPC_RETRY_BASE_DELAY" envDefault:"200ms"`

	// Host pressure sampling (platform package)
	ResourceSampleInterval time.Duration `env:"ODIN_RESOURCE_SAMPLE_INTERVAL" envDefault:"5s"`
	MemoryPressureThreshold float64      `env:"ODIN_MEMORY_PRESSURE_THRESHOLD" envDefault:"85.0"`

	// Logging
	LogLevel  string `env:"ODIN_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ODIN_LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads an optional .env file, then environment variables,
// mirroring the teacher's LoadConfig precedence (ENV vars > .env file >
// defaults).
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("ODIN_URL is required")
	}
	if c.RateLimitCapacity <= 0 {
		return fmt.Errorf("ODIN_RATE_LIMIT_CAPACITY must be > 0, got %.1f", c.RateLimitCapacity)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("ODIN_QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("ODIN_WORKER_POOL_SIZE must be > 0, got %d", c.WorkerPoolSize)
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("ODIN_WORKER_QUEUE_SIZE must be > 0, got %d", c.WorkerQueueSize)
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return fmt.Errorf("ODIN_RECONNECT_JITTER must be 0-1, got %.2f", c.ReconnectJitter)
	}
	if c.MemoryPressureThreshold < 0 || c.MemoryPressureThreshold > 100 {
		return fmt.Errorf("ODIN_MEMORY_PRESSURE_THRESHOLD must be 0-100, got %.1f", c.MemoryPressureThreshold)
	}

	validStrategies := map[string]bool{"none": true, "immediate": true, "linear": true, "exponential": true}
	if !validStrategies[c.ReconnectStrategy] {
		return fmt.Errorf("ODIN_RECONNECT_STRATEGY must be one of: none, immediate, linear, exponential (got %s)", c.ReconnectStrategy)
	}

	validEvictions := map[string]bool{"lru": true, "lfu": true, "ttl": true}
	if !validEvictions[c.CacheEviction] {
		return fmt.Errorf("ODIN_CACHE_EVICTION must be one of: lru, lfu, ttl (got %s)", c.CacheEviction)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("ODIN_LOG_LEVEL must be one of: debug, info, warn, error (got %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("ODIN_LOG_FORMAT must be one of: json, text, pretty (got %s)", c.LogFormat)
	}

	return nil
}

// LogConfig emits the loaded configuration as a structured log event, the
// same Loki-friendly shape the teacher's LogConfig produces.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("url", c.URL).
		Str("reconnect_strategy", c.ReconnectStrategy).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("queue_capacity", c.QueueCapacity).
		Int("worker_pool_size", c.WorkerPoolSize).
		Float64("rate_limit_capacity", c.RateLimitCapacity).
		Int("pool_max_total", c.PoolMaxTotal).
		Str("cache_eviction", c.CacheEviction).
		Bool("rpc_use_uuid", c.RPCUseUUID).
		Msg("configuration loaded")
}
