package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the control plane server.
type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Provisioner ProvisionerConfig
	Retry       RetryConfig
	Lifecycle   LifecycleConfig
	Metering    MeteringConfig
	Quota       QuotaConfig
	RateLimit   RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StoreConfig struct {
	Driver string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

// RedisConfig is optional; an empty URL selects the in-process cache.
type RedisConfig struct {
	URL string
}

type ProvisionerConfig struct {
	Mode             string
	URL              string
	EndpointTemplate string
	Timeout          time.Duration
}

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

type LifecycleConfig struct {
	IdempotencyTTL time.Duration
}

type MeteringConfig struct {
	Workers       int
	QueueSize     int
	RecentMetrics int
	CacheTTL      time.Duration
}

type QuotaConfig struct {
	GracePeriod time.Duration
}

type RateLimitConfig struct {
	PerMinute int
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	ProvisionerModeTemplate = "template"
	ProvisionerModeHTTP     = "http"
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CONTROLPLANE_PORT", 8080),
			Env:  envString("CONTROLPLANE_ENV", "development"),
		},
		Store: StoreConfig{
			Driver: envString("STORE_DRIVER", StoreDriverPostgres),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Provisioner: ProvisionerConfig{
			Mode:             envString("PROVISIONER_MODE", ProvisionerModeTemplate),
			URL:              os.Getenv("PROVISIONER_URL"),
			EndpointTemplate: envString("PROVISIONER_ENDPOINT_TEMPLATE", "https://{name}.{tenant}.svc.local"),
			Timeout:          envDuration("PROVISIONER_TIMEOUT", 30*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:     envInt("RETRY_MAX_ATTEMPTS", 3),
			InitialInterval: envDuration("RETRY_INITIAL_INTERVAL", 50*time.Millisecond),
		},
		Lifecycle: LifecycleConfig{
			IdempotencyTTL: envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Metering: MeteringConfig{
			Workers:       envInt("METRICS_WORKERS", 4),
			QueueSize:     envInt("METRICS_QUEUE_SIZE", 1024),
			RecentMetrics: envInt("DASHBOARD_RECENT_METRICS", 10),
			CacheTTL:      envDuration("DASHBOARD_CACHE_TTL", 5*time.Second),
		},
		Quota: QuotaConfig{
			GracePeriod: envDuration("QUOTA_GRACE_PERIOD", 72*time.Hour),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MIN", 600),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("CONTROLPLANE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Store.Driver)
	}

	switch c.Provisioner.Mode {
	case ProvisionerModeHTTP:
		if c.Provisioner.URL == "" {
			return fmt.Errorf("PROVISIONER_URL is required when PROVISIONER_MODE is http")
		}
		if !strings.HasPrefix(c.Provisioner.URL, "http://") && !strings.HasPrefix(c.Provisioner.URL, "https://") {
			return fmt.Errorf("PROVISIONER_URL must start with http:// or https://, got %q", c.Provisioner.URL)
		}
	case ProvisionerModeTemplate:
		if c.Provisioner.EndpointTemplate == "" {
			return fmt.Errorf("PROVISIONER_ENDPOINT_TEMPLATE is required when PROVISIONER_MODE is template")
		}
	default:
		return fmt.Errorf("PROVISIONER_MODE must be one of template, http; got %q", c.Provisioner.Mode)
	}
	if c.Provisioner.Timeout <= 0 {
		return fmt.Errorf("PROVISIONER_TIMEOUT must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Metering.Workers < 1 {
		return fmt.Errorf("METRICS_WORKERS must be at least 1, got %d", c.Metering.Workers)
	}
	if c.Metering.QueueSize < 1 {
		return fmt.Errorf("METRICS_QUEUE_SIZE must be at least 1, got %d", c.Metering.QueueSize)
	}
	if c.Metering.RecentMetrics < 0 {
		return fmt.Errorf("DASHBOARD_RECENT_METRICS must not be negative, got %d", c.Metering.RecentMetrics)
	}
	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must not be negative, got %d", c.RateLimit.PerMinute)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
