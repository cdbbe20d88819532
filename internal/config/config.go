// Package config loads, validates, and defaults the application
// configuration from YAML files and DATAPATH_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/datapath/datapath/pkg/errors"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Storage StorageConfig `yaml:"storage"`
	Pool    PoolConfig    `yaml:"pool"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Cache   CacheConfig   `yaml:"cache"`
	Limits  LimitsConfig  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
}

// StorageConfig identifies the backing store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PoolConfig represents connection pool settings.
type PoolConfig struct {
	PoolSize        int           `yaml:"pool_size"`
	MaxConnections  int           `yaml:"max_connections"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	MaxIdleLifetime time.Duration `yaml:"max_idle_lifetime"`
}

// RetryConfig represents retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"backoff_multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// BreakerConfig represents circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Window           time.Duration `yaml:"window"`
}

// CacheConfig represents multi-level cache settings. Byte sizes accept
// human-readable strings like "256MB".
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`
	L1MaxItems  int           `yaml:"l1_max_items"`
	L1MaxBytes  string        `yaml:"l1_max_bytes"`
	L2Enabled   bool          `yaml:"l2_enabled"`
	L2MaxBytes  string        `yaml:"l2_max_bytes"`
	L2Directory string        `yaml:"l2_directory"`
}

// LimitsConfig represents facade-level admission control.
type LimitsConfig struct {
	// MaxConcurrency caps in-flight executions. Zero disables the bound.
	MaxConcurrency int64 `yaml:"max_concurrency"`

	// Rate caps executions per second. Zero disables rate limiting.
	Rate float64 `yaml:"rate"`

	// Burst is the rate limiter burst size.
	Burst int `yaml:"burst"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig represents Prometheus exposition settings.
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Port          int           `yaml:"port"`
	Path          string        `yaml:"path"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

// HealthConfig represents health check settings.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "file:datapath.db",
		},
		Pool: PoolConfig{
			PoolSize:        2,
			MaxConnections:  8,
			AcquireTimeout:  5 * time.Second,
			MaxIdleLifetime: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
			Window:           60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:     true,
			DefaultTTL:  5 * time.Minute,
			L1MaxItems:  10000,
			L1MaxBytes:  "64MB",
			L2Enabled:   false,
			L2MaxBytes:  "1GB",
			L2Directory: "/var/cache/datapath",
		},
		Limits: LimitsConfig{
			MaxConcurrency: 64,
			Rate:           0,
			Burst:          1,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			Port:          9090,
			Path:          "/metrics",
			SlowThreshold: 500 * time.Millisecond,
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current
// values.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithComponent("config").WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithComponent("config").WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv applies DATAPATH_* environment variable overrides.
func (c *Configuration) LoadFromEnv() {
	if val := os.Getenv("DATAPATH_DRIVER"); val != "" {
		c.Storage.Driver = val
	}
	if val := os.Getenv("DATAPATH_DSN"); val != "" {
		c.Storage.DSN = val
	}
	if val := os.Getenv("DATAPATH_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("DATAPATH_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.PoolSize = n
		}
	}
	if val := os.Getenv("DATAPATH_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxConnections = n
		}
	}
	if val := os.Getenv("DATAPATH_ACQUIRE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pool.AcquireTimeout = d
		}
	}
	if val := os.Getenv("DATAPATH_RETRY_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if val := os.Getenv("DATAPATH_BREAKER_ENABLED"); val != "" {
		c.Breaker.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DATAPATH_CACHE_ENABLED"); val != "" {
		c.Cache.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DATAPATH_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.DefaultTTL = d
		}
	}
	if val := os.Getenv("DATAPATH_CACHE_L1_MAX_BYTES"); val != "" {
		c.Cache.L1MaxBytes = val
	}
	if val := os.Getenv("DATAPATH_CACHE_L2_DIRECTORY"); val != "" {
		c.Cache.L2Directory = val
	}
	if val := os.Getenv("DATAPATH_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Limits.MaxConcurrency = n
		}
	}
	if val := os.Getenv("DATAPATH_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
}

// SaveToFile writes the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to marshal config", err).
			WithComponent("config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to create config directory", err).
			WithComponent("config")
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to write config file", err).
			WithComponent("config")
	}

	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Configuration) Validate() error {
	if c.Storage.DSN == "" {
		return invalid("storage.dsn must be set")
	}
	if c.Pool.MaxConnections <= 0 {
		return invalid("pool.max_connections must be greater than 0")
	}
	if c.Pool.PoolSize > c.Pool.MaxConnections {
		return invalid("pool.pool_size cannot exceed pool.max_connections")
	}
	if c.Retry.MaxAttempts <= 0 {
		return invalid("retry.max_attempts must be greater than 0")
	}
	if c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return invalid("retry.jitter must be between 0 and 1")
	}
	if c.Breaker.Enabled && c.Breaker.FailureThreshold <= 0 {
		return invalid("breaker.failure_threshold must be greater than 0")
	}
	if c.Cache.Enabled {
		if _, err := ParseSize(c.Cache.L1MaxBytes); err != nil {
			return invalid("cache.l1_max_bytes: " + err.Error())
		}
		if c.Cache.L2Enabled {
			if _, err := ParseSize(c.Cache.L2MaxBytes); err != nil {
				return invalid("cache.l2_max_bytes: " + err.Error())
			}
			if c.Cache.L2Directory == "" {
				return invalid("cache.l2_directory must be set when the disk tier is enabled")
			}
		}
	}
	if c.Limits.MaxConcurrency < 0 {
		return invalid("limits.max_concurrency cannot be negative")
	}
	if c.Limits.Rate < 0 {
		return invalid("limits.rate cannot be negative")
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return invalid("logging.level must be one of DEBUG, INFO, WARN, ERROR")
	}

	return nil
}

func invalid(msg string) error {
	return errors.New(errors.ErrCodeInvalidConfig, msg).WithComponent("config")
}

// ParseSize parses a human-readable byte size such as "256MB" or "1GB".
// Plain numbers are taken as bytes.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, errors.New(errors.ErrCodeInvalidConfig, "empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		return val, nil
	}

	upper := strings.ToUpper(sizeStr)
	for _, unit := range []struct {
		suffix     string
		multiplier int64
	}{
		{"KB", 1024},
		{"MB", 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"B", 1},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			numStr := strings.TrimSuffix(upper, unit.suffix)
			if val, err := strconv.ParseFloat(numStr, 64); err == nil {
				return int64(val * float64(unit.multiplier)), nil
			}
		}
	}

	return 0, errors.Newf(errors.ErrCodeInvalidConfig, "invalid size format: %s", sizeStr)
}
