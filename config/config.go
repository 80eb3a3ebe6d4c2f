package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the coordination core configuration
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Lock        LockConfig        `yaml:"lock"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Transaction TransactionConfig `yaml:"transaction"`
	Health      HealthConfig      `yaml:"health"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StoreConfig holds coordination-store configuration
type StoreConfig struct {
	Addr                 string `yaml:"addr" env:"PAYCOORD_STORE_ADDR"`
	KeyPrefix            string `yaml:"key_prefix" env:"PAYCOORD_KEY_PREFIX"`
	Compression          string `yaml:"compression" env:"PAYCOORD_COMPRESSION"`
	CompressionThreshold int    `yaml:"compression_threshold" env:"PAYCOORD_COMPRESSION_THRESHOLD"`
}

// LockConfig holds advisory-lock configuration
type LockConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl" env:"PAYCOORD_LOCK_DEFAULT_TTL"`
	RetryAttempts int           `yaml:"retry_attempts" env:"PAYCOORD_LOCK_RETRY_ATTEMPTS"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" env:"PAYCOORD_LOCK_RETRY_BACKOFF"`
}

// IdempotencyConfig holds idempotency-record configuration
type IdempotencyConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl" env:"PAYCOORD_IDEM_DEFAULT_TTL"`
	MaxTTL          time.Duration `yaml:"max_ttl" env:"PAYCOORD_IDEM_MAX_TTL"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"PAYCOORD_IDEM_POLL_INTERVAL"`
	WaitBudget      time.Duration `yaml:"wait_budget" env:"PAYCOORD_IDEM_WAIT_BUDGET"`
	MaxRequestSize  int           `yaml:"max_request_size" env:"PAYCOORD_IDEM_MAX_REQUEST_SIZE"`
	MaxResponseSize int           `yaml:"max_response_size" env:"PAYCOORD_IDEM_MAX_RESPONSE_SIZE"`
	CleanupDays     int           `yaml:"cleanup_days" env:"PAYCOORD_IDEM_CLEANUP_DAYS"`
}

// TransactionConfig holds transaction-context configuration
type TransactionConfig struct {
	ContextTTL       time.Duration `yaml:"context_ttl" env:"PAYCOORD_TXN_CONTEXT_TTL"`
	DefaultIsolation string        `yaml:"default_isolation" env:"PAYCOORD_TXN_DEFAULT_ISOLATION"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval" env:"PAYCOORD_HEALTH_CHECK_INTERVAL"`
	Timeout       time.Duration `yaml:"timeout" env:"PAYCOORD_HEALTH_TIMEOUT"`
	Enabled       bool          `yaml:"enabled" env:"PAYCOORD_HEALTH_ENABLED"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" env:"PAYCOORD_LOG_LEVEL"`
}

// DefaultConfig returns a configuration with production defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Addr:                 "localhost:6379",
			KeyPrefix:            "paycoord",
			Compression:          "snappy",
			CompressionThreshold: 4096,
		},
		Lock: LockConfig{
			DefaultTTL:    30 * time.Second,
			RetryAttempts: 50,
			RetryBackoff:  100 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			DefaultTTL:      24 * time.Hour,
			MaxTTL:          30 * 24 * time.Hour,
			PollInterval:    100 * time.Millisecond,
			WaitBudget:      30 * time.Second,
			MaxRequestSize:  64 * 1024,
			MaxResponseSize: 256 * 1024,
			CleanupDays:     3,
		},
		Transaction: TransactionConfig{
			ContextTTL:       time.Hour,
			DefaultIsolation: "read_committed",
		},
		Health: HealthConfig{
			CheckInterval: 30 * time.Second,
			Timeout:       5 * time.Second,
			Enabled:       true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFile loads configuration from a YAML file on top of the defaults,
// then applies environment overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Config) LoadFromEnv() error {
	// Store config
	if addr := os.Getenv("PAYCOORD_STORE_ADDR"); addr != "" {
		c.Store.Addr = addr
	}
	if prefix := os.Getenv("PAYCOORD_KEY_PREFIX"); prefix != "" {
		c.Store.KeyPrefix = prefix
	}
	if compression := os.Getenv("PAYCOORD_COMPRESSION"); compression != "" {
		c.Store.Compression = compression
	}
	if threshold := os.Getenv("PAYCOORD_COMPRESSION_THRESHOLD"); threshold != "" {
		if t, err := strconv.Atoi(threshold); err == nil {
			c.Store.CompressionThreshold = t
		}
	}

	// Lock config
	if ttl := os.Getenv("PAYCOORD_LOCK_DEFAULT_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Lock.DefaultTTL = d
		}
	}
	if attempts := os.Getenv("PAYCOORD_LOCK_RETRY_ATTEMPTS"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil {
			c.Lock.RetryAttempts = a
		}
	}
	if backoff := os.Getenv("PAYCOORD_LOCK_RETRY_BACKOFF"); backoff != "" {
		if d, err := time.ParseDuration(backoff); err == nil {
			c.Lock.RetryBackoff = d
		}
	}

	// Idempotency config
	if ttl := os.Getenv("PAYCOORD_IDEM_DEFAULT_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Idempotency.DefaultTTL = d
		}
	}
	if ttl := os.Getenv("PAYCOORD_IDEM_MAX_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Idempotency.MaxTTL = d
		}
	}
	if interval := os.Getenv("PAYCOORD_IDEM_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			c.Idempotency.PollInterval = d
		}
	}
	if budget := os.Getenv("PAYCOORD_IDEM_WAIT_BUDGET"); budget != "" {
		if d, err := time.ParseDuration(budget); err == nil {
			c.Idempotency.WaitBudget = d
		}
	}
	if size := os.Getenv("PAYCOORD_IDEM_MAX_REQUEST_SIZE"); size != "" {
		if s, err := strconv.Atoi(size); err == nil {
			c.Idempotency.MaxRequestSize = s
		}
	}
	if size := os.Getenv("PAYCOORD_IDEM_MAX_RESPONSE_SIZE"); size != "" {
		if s, err := strconv.Atoi(size); err == nil {
			c.Idempotency.MaxResponseSize = s
		}
	}
	if days := os.Getenv("PAYCOORD_IDEM_CLEANUP_DAYS"); days != "" {
		if d, err := strconv.Atoi(days); err == nil {
			c.Idempotency.CleanupDays = d
		}
	}

	// Transaction config
	if ttl := os.Getenv("PAYCOORD_TXN_CONTEXT_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Transaction.ContextTTL = d
		}
	}
	if isolation := os.Getenv("PAYCOORD_TXN_DEFAULT_ISOLATION"); isolation != "" {
		c.Transaction.DefaultIsolation = isolation
	}

	// Health config
	if interval := os.Getenv("PAYCOORD_HEALTH_CHECK_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			c.Health.CheckInterval = d
		}
	}
	if timeout := os.Getenv("PAYCOORD_HEALTH_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Health.Timeout = d
		}
	}
	if enabled := os.Getenv("PAYCOORD_HEALTH_ENABLED"); enabled != "" {
		c.Health.Enabled = strings.ToLower(enabled) == "true"
	}

	// Logging config
	if level := os.Getenv("PAYCOORD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.Addr == "" {
		return fmt.Errorf("store address cannot be empty")
	}
	if c.Store.KeyPrefix == "" {
		return fmt.Errorf("store key prefix cannot be empty")
	}
	switch c.Store.Compression {
	case "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("invalid compression algorithm: %s", c.Store.Compression)
	}
	if c.Store.CompressionThreshold < 0 {
		return fmt.Errorf("compression threshold cannot be negative")
	}
	if c.Lock.DefaultTTL <= 0 {
		return fmt.Errorf("lock default TTL must be positive")
	}
	if c.Lock.RetryAttempts <= 0 {
		return fmt.Errorf("lock retry attempts must be positive")
	}
	if c.Lock.RetryBackoff <= 0 {
		return fmt.Errorf("lock retry backoff must be positive")
	}
	if c.Idempotency.DefaultTTL <= 0 {
		return fmt.Errorf("idempotency default TTL must be positive")
	}
	if c.Idempotency.MaxTTL < c.Idempotency.DefaultTTL {
		return fmt.Errorf("idempotency max TTL must be >= default TTL")
	}
	if c.Idempotency.PollInterval <= 0 {
		return fmt.Errorf("idempotency poll interval must be positive")
	}
	if c.Idempotency.WaitBudget <= 0 {
		return fmt.Errorf("idempotency wait budget must be positive")
	}
	if c.Idempotency.MaxRequestSize <= 0 {
		return fmt.Errorf("idempotency max request size must be positive")
	}
	if c.Idempotency.MaxResponseSize <= 0 {
		return fmt.Errorf("idempotency max response size must be positive")
	}
	if c.Idempotency.CleanupDays <= 0 {
		return fmt.Errorf("idempotency cleanup days must be positive")
	}
	if c.Transaction.ContextTTL <= 0 {
		return fmt.Errorf("transaction context TTL must be positive")
	}
	switch c.Transaction.DefaultIsolation {
	case "read_committed", "repeatable_read", "serializable":
	default:
		return fmt.Errorf("invalid default isolation level: %s", c.Transaction.DefaultIsolation)
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}

	return nil
}
