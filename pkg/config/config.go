// Package config defines the typed configuration for the runtime and
// its environment override surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig configures the upstream proxy connection and queueing.
type GatewayConfig struct {
	BaseURL        string        `yaml:"base_url"`
	AuthUser       string        `yaml:"auth_user"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	QueueMaxSize   int           `yaml:"queue_max_size"`
	QueueMaxWait   time.Duration `yaml:"queue_max_wait"`
}

// BreakerConfig configures per-model circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// RateLimitConfig configures the local limiter.
type RateLimitConfig struct {
	RequestsPerMinute  int `yaml:"requests_per_minute"`
	BurstSize          int `yaml:"burst_size"`
	TokensPerMinute    int `yaml:"tokens_per_minute"`
	ConcurrentRequests int `yaml:"concurrent_requests"`
}

// MemoryConfig configures the context memory store.
type MemoryConfig struct {
	RootDir       string  `yaml:"root_dir"`
	RetentionDays int     `yaml:"retention_days"`
	MaxStorageGB  float64 `yaml:"max_storage_gb"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Config is the full runtime configuration.
type Config struct {
	Gateway      GatewayConfig     `yaml:"gateway"`
	Breaker      BreakerConfig     `yaml:"breaker"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit"`
	Memory       MemoryConfig      `yaml:"memory"`
	Health       HealthConfig      `yaml:"health"`
	DefaultModel string            `yaml:"default_model"`
	AgentModels  map[string]string `yaml:"agent_models"`
	LogLevel     string            `yaml:"log_level"`
	LogDir       string            `yaml:"log_dir"`
}

// SetDefaults fills zero fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "http://localhost:8000/v1"
	}
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = 30 * time.Second
	}
	if c.Gateway.MaxRetries <= 0 {
		c.Gateway.MaxRetries = 3
	}
	if c.Gateway.QueueMaxSize <= 0 {
		c.Gateway.QueueMaxSize = 1000
	}
	if c.Gateway.QueueMaxWait <= 0 {
		c.Gateway.QueueMaxWait = 300 * time.Second
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		c.Breaker.RecoveryTimeout = 60 * time.Second
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		c.Breaker.HalfOpenMaxCalls = 3
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.ConcurrentRequests <= 0 {
		c.RateLimit.ConcurrentRequests = 10
	}
	if c.Memory.RootDir == "" {
		c.Memory.RootDir = "context_memory"
	}
	if c.Memory.RetentionDays <= 0 {
		c.Memory.RetentionDays = 30
	}
	if c.Memory.MaxStorageGB <= 0 {
		c.Memory.MaxStorageGB = 10
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4"
	}
	if c.AgentModels == nil {
		c.AgentModels = make(map[string]string)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Memory.MaxStorageGB <= 0 {
		return fmt.Errorf("memory.max_storage_gb must be positive")
	}
	if c.Memory.RetentionDays <= 0 {
		return fmt.Errorf("memory.retention_days must be positive")
	}
	return nil
}

// LoadFile reads a YAML configuration file, then applies environment
// overrides and defaults.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds a configuration from the environment alone.
func Load() (*Config, error) {
	return LoadFile("")
}
