package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/observability"
)

// Provider types selectable via RECON_IDP.
const (
	ProviderCognito = "cognito"
	ProviderMemory  = "memory"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration
	Redis RedisConfig

	// Identity provider configuration
	Provider ProviderConfig

	// Reconciliation job configuration
	Job JobConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// InternalAPIKey authenticates internal callers via X-Internal-Auth.
	InternalAPIKey string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// RedisConfig holds Redis settings for the reconciliation lease
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig holds identity provider settings
type ProviderConfig struct {
	Type        string
	Region      string
	UserPoolID  string
	CallTimeout time.Duration
	PageSize    int
}

// JobConfig holds reconciliation job and sync pathway settings
type JobConfig struct {
	Schedule       string
	MaxRetries     int
	DefaultRole    identity.Role
	Workers        int
	LeaseKey       string
	LeaseTTL       time.Duration
	ClaimCacheSize int
	ClaimTimeout   time.Duration
	LockShards     int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Provider:      loadProviderConfig(),
		Job:           loadJobConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RECON_HOST", "0.0.0.0"),
		Port:            getEnv("RECON_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RECON_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RECON_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RECON_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RECON_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("RECON_HEALTH_PORT", "8081"),
		InternalAPIKey:  getEnv("RECON_INTERNAL_API_KEY", ""),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:      getEnv("RECON_POSTGRES_URL", ""),
		MaxConns: getEnvInt("RECON_POSTGRES_MAX_CONNS", 10),
		MinConns: getEnvInt("RECON_POSTGRES_MIN_CONNS", 2),
		Timeout:  getEnvDuration("RECON_POSTGRES_TIMEOUT", 5*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("RECON_REDIS_ADDR", "localhost:6379"),
		Password: getEnv("RECON_REDIS_PASSWORD", ""),
		DB:       getEnvInt("RECON_REDIS_DB", 0),
	}
}

func loadProviderConfig() ProviderConfig {
	return ProviderConfig{
		Type:        getEnv("RECON_IDP", ProviderCognito),
		Region:      getEnv("RECON_COGNITO_REGION", "eu-central-1"),
		UserPoolID:  getEnv("RECON_COGNITO_USER_POOL_ID", ""),
		CallTimeout: getEnvDuration("RECON_IDP_CALL_TIMEOUT", 10*time.Second),
		PageSize:    getEnvInt("RECON_IDP_PAGE_SIZE", 60),
	}
}

func loadJobConfig() JobConfig {
	return JobConfig{
		Schedule:       getEnv("RECON_SCHEDULE", "0 3 * * *"),
		MaxRetries:     getEnvInt("RECON_MAX_RETRIES", 5),
		DefaultRole:    identity.Role(getEnv("RECON_DEFAULT_ROLE", string(identity.RoleAttendee))),
		Workers:        getEnvInt("RECON_WORKERS", 4),
		LeaseKey:       getEnv("RECON_LEASE_KEY", "reconciler:run-lease"),
		LeaseTTL:       getEnvDuration("RECON_LEASE_TTL", 10*time.Minute),
		ClaimCacheSize: getEnvInt("RECON_CLAIM_CACHE_SIZE", 1024),
		ClaimTimeout:   getEnvDuration("RECON_CLAIM_TIMEOUT", 2*time.Second),
		LockShards:     getEnvInt("RECON_LOCK_SHARDS", 64),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("RECON_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("RECON_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.InternalAPIKey == "" {
		return fmt.Errorf("internal API key is required")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Provider.Type {
	case ProviderCognito:
		if c.Provider.UserPoolID == "" {
			return fmt.Errorf("cognito user pool ID is required for the cognito provider")
		}
		if c.Provider.Region == "" {
			return fmt.Errorf("cognito region is required for the cognito provider")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("invalid provider type: %s (must be cognito or memory)", c.Provider.Type)
	}

	if c.Job.Schedule == "" {
		return fmt.Errorf("reconciliation schedule is required")
	}
	if c.Job.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if _, err := identity.ParseRole(string(c.Job.DefaultRole)); err != nil {
		return fmt.Errorf("invalid default role: %w", err)
	}
	if c.Job.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Job.ClaimCacheSize < 1 {
		return fmt.Errorf("claim cache size must be at least 1")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
