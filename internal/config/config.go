// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Counter backends for the rate limiter and quota tracker.
const (
	CounterBackendRedis  = "redis"
	CounterBackendMemory = "memory"
)

// Analytics sinks.
const (
	AnalyticsSinkStream   = "stream"
	AnalyticsSinkPostgres = "postgres"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`

	// Cache (Redis)
	RedisURL     string        `env:"REDIS_URL,required,notEmpty"`
	LinkCacheTTL time.Duration `env:"LINK_CACHE_TTL" envDefault:"5m"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Visitor signal extraction
	TrustProxyHeaders bool   `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	TokenQueryParam   string `env:"TOKEN_QUERY_PARAM" envDefault:"token"`

	// Shared counters (rate windows and click quotas)
	CounterBackend string `env:"COUNTER_BACKEND" envDefault:"redis"`

	// Analytics pipeline
	AnalyticsSink          string        `env:"ANALYTICS_SINK" envDefault:"stream"`
	AnalyticsQueueSize     int           `env:"ANALYTICS_QUEUE_SIZE" envDefault:"10000"`
	AnalyticsBatchSize     int           `env:"ANALYTICS_BATCH_SIZE" envDefault:"200"`
	AnalyticsFlushInterval time.Duration `env:"ANALYTICS_FLUSH_INTERVAL" envDefault:"1s"`
	AnalyticsDrainWorkers  int           `env:"ANALYTICS_DRAIN_WORKERS" envDefault:"2"`
	AnalyticsWorkerEnabled bool          `env:"ANALYTICS_WORKER_ENABLED" envDefault:"true"`

	// Classifier reference tables
	ClassifierTablePath       string        `env:"CLASSIFIER_TABLE_PATH" envDefault:""`
	ClassifierRedisSource     bool          `env:"CLASSIFIER_REDIS_SOURCE" envDefault:"false"`
	ClassifierRefreshInterval time.Duration `env:"CLASSIFIER_REFRESH_INTERVAL" envDefault:"10m"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.CounterBackend {
	case CounterBackendRedis, CounterBackendMemory:
	default:
		return fmt.Errorf("unknown COUNTER_BACKEND %q", c.CounterBackend)
	}
	switch c.AnalyticsSink {
	case AnalyticsSinkStream, AnalyticsSinkPostgres:
	default:
		return fmt.Errorf("unknown ANALYTICS_SINK %q", c.AnalyticsSink)
	}
	if c.AnalyticsQueueSize <= 0 {
		return fmt.Errorf("ANALYTICS_QUEUE_SIZE must be positive")
	}
	if c.TokenQueryParam == "" {
		return fmt.Errorf("TOKEN_QUERY_PARAM must not be empty")
	}
	return nil
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
