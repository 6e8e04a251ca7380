package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds connection settings for the auth database (roles,
// permissions, scopes) and the boundary/GIS database, which may be the same
// instance or a separate one.
type DatabaseConfig struct {
	AuthURL     string        `yaml:"auth_url"`
	BoundaryURL string        `yaml:"boundary_url"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`

	// Upper bound for batched spatial queries. Heavy union-geometry lookups
	// run with this timeout and fail closed on expiry.
	SpatialQueryTimeout time.Duration `yaml:"spatial_query_timeout"`
}

// RedisConfig holds Redis connection settings for the permission cache.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Enabled  bool   `yaml:"enabled"`
}

// AuthConfig holds the trust-boundary and cache settings of the RBAC core.
type AuthConfig struct {
	// Shared secret expected in X-Api-Key on /internal routes. Empty
	// refuses all internal calls.
	InternalAPIKey string `yaml:"internal_api_key"`

	// Per-user permission cache TTL and background sweep interval.
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Maximum entries held by the in-process cache tier.
	CacheSize int `yaml:"cache_size"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// LoadConfig loads configuration from environment variables, optionally
// overlaid by a YAML file named in FORESTWATCH_CONFIG_FILE. Environment
// variables win over file values. Duration settings use the env variables
// (Go duration strings); YAML duration fields take integer nanoseconds.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("FORESTWATCH_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			MaxConns:            25,
			MinConns:            5,
			Timeout:             10 * time.Second,
			MaxLifetime:         30 * time.Minute,
			MaxIdleTime:         5 * time.Minute,
			SpatialQueryTimeout: 2 * time.Minute,
		},
		Redis: RedisConfig{
			URL:      "redis://localhost:6379/0",
			PoolSize: 10,
		},
		Auth: AuthConfig{
			CacheTTL:      5 * time.Minute,
			SweepInterval: 60 * time.Second,
			CacheSize:     10000,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("FORESTWATCH_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("FORESTWATCH_PORT", cfg.Server.Port)
	cfg.Server.HealthPort = getEnv("FORESTWATCH_HEALTH_PORT", cfg.Server.HealthPort)
	cfg.Server.ReadTimeout = getEnvDuration("FORESTWATCH_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("FORESTWATCH_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("FORESTWATCH_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("FORESTWATCH_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Database.AuthURL = getEnv("FORESTWATCH_AUTH_DB_URL", cfg.Database.AuthURL)
	cfg.Database.BoundaryURL = getEnv("FORESTWATCH_BOUNDARY_DB_URL", cfg.Database.BoundaryURL)
	cfg.Database.MaxConns = getEnvInt("FORESTWATCH_DB_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.MinConns = getEnvInt("FORESTWATCH_DB_MIN_CONNS", cfg.Database.MinConns)
	cfg.Database.Timeout = getEnvDuration("FORESTWATCH_DB_TIMEOUT", cfg.Database.Timeout)
	cfg.Database.SpatialQueryTimeout = getEnvDuration("FORESTWATCH_SPATIAL_QUERY_TIMEOUT", cfg.Database.SpatialQueryTimeout)

	cfg.Redis.URL = getEnv("FORESTWATCH_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Password = getEnv("FORESTWATCH_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("FORESTWATCH_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvInt("FORESTWATCH_REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.Enabled = getEnvBool("FORESTWATCH_REDIS_ENABLED", cfg.Redis.Enabled)

	cfg.Auth.InternalAPIKey = getEnv("FORESTWATCH_INTERNAL_API_KEY", cfg.Auth.InternalAPIKey)
	cfg.Auth.CacheTTL = getEnvDuration("FORESTWATCH_PERMISSION_CACHE_TTL", cfg.Auth.CacheTTL)
	cfg.Auth.SweepInterval = getEnvDuration("FORESTWATCH_PERMISSION_SWEEP_INTERVAL", cfg.Auth.SweepInterval)
	cfg.Auth.CacheSize = getEnvInt("FORESTWATCH_PERMISSION_CACHE_SIZE", cfg.Auth.CacheSize)

	cfg.Observability.LogLevel = getEnv("FORESTWATCH_LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.MetricsEnabled = getEnvBool("FORESTWATCH_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Database.AuthURL == "" {
		return fmt.Errorf("auth database URL is required (FORESTWATCH_AUTH_DB_URL)")
	}
	if c.Auth.CacheTTL <= 0 {
		return fmt.Errorf("permission cache TTL must be positive")
	}
	if c.Auth.SweepInterval <= 0 {
		return fmt.Errorf("permission sweep interval must be positive")
	}
	if c.Database.SpatialQueryTimeout <= 0 {
		return fmt.Errorf("spatial query timeout must be positive")
	}
	return nil
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.Observability.LogLevel)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
