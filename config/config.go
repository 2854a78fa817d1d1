package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete gateway configuration
type Config struct {
	Server        ServerConfig
	Gateway       GatewayConfig
	Providers     ProvidersConfig
	Cache         CacheConfig
	Breaker       BreakerConfig
	Budget        BudgetConfig
	Usage         UsageConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Catalog       CatalogConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// GatewayConfig holds orchestration pipeline settings
type GatewayConfig struct {
	// RequestTimeout bounds one whole request through the pipeline.
	RequestTimeout time.Duration
	// AttemptTimeout bounds a single provider attempt inside the fallback loop.
	AttemptTimeout time.Duration
	// DefaultMaxTokens is assumed for cost estimation when the request does
	// not cap its output.
	DefaultMaxTokens int
	// MaxPromptChars rejects oversized prompts before any work happens.
	MaxPromptChars int
	// MaxCacheableTemperature marks requests above it non-deterministic and
	// therefore uncacheable.
	MaxCacheableTemperature float64
	// CoalesceRequests collapses concurrent identical cacheable requests
	// into one provider call.
	CoalesceRequests bool
	// GuardEnabled screens prompts for injection/PII patterns during
	// validation.
	GuardEnabled bool
}

// ProvidersConfig holds LLM provider configurations
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
}

// ProviderConfig holds one upstream provider's connection settings
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// MaxConcurrent caps in-flight calls to this provider so a slow
	// upstream cannot starve the others.
	MaxConcurrent int
}

// CacheConfig holds response cache configuration
type CacheConfig struct {
	// Backend selects the store: "memory" (default) or "redis".
	Backend         string
	MaxEntries      int
	DefaultTTL      time.Duration
	StableTTL       time.Duration // classify/extract results age slowly
	VolatileTTL     time.Duration // creative output ages fast
	CleanupInterval time.Duration
	Redis           RedisConfig
}

// RedisConfig holds the optional distributed cache backing store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BreakerConfig holds circuit breaker tuning
type BreakerConfig struct {
	// FailureThreshold consecutive failures within FailureWindow open the
	// breaker.
	FailureThreshold int
	FailureWindow    time.Duration
	// Cooldown is the initial open interval; each failed probe doubles it
	// up to CooldownMax.
	Cooldown    time.Duration
	CooldownMax time.Duration
}

// BudgetConfig holds admission control tuning
type BudgetConfig struct {
	// WarnRatio emits a soft warning when period spend crosses this share
	// of the limit (no denial).
	WarnRatio       float64
	CleanupInterval time.Duration
}

// UsageConfig holds the usage recorder settings
type UsageConfig struct {
	// Sink selects where entries land: "memory" (default) or "postgres".
	Sink           string
	QueueSize      int
	Workers        int
	StopTimeout    time.Duration
	MemoryCapacity int
}

// DatabaseConfig holds PostgreSQL configuration for the usage sink.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// AuthConfig holds tenant authentication settings
type AuthConfig struct {
	// JWTSecret signs and verifies tenant bearer tokens (HS256).
	JWTSecret string
	TokenTTL  time.Duration
	// AdminAPIKey guards the /admin surface.
	AdminAPIKey string
}

// CatalogConfig holds paths to the model catalog and tenant files
type CatalogConfig struct {
	ModelsPath  string
	TenantsPath string
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env if it exists (repo root or the directory the binary runs from)
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Gateway: GatewayConfig{
			RequestTimeout:          getEnvAsDuration("GATEWAY_REQUEST_TIMEOUT", 60*time.Second),
			AttemptTimeout:          getEnvAsDuration("GATEWAY_ATTEMPT_TIMEOUT", 30*time.Second),
			DefaultMaxTokens:        getEnvAsInt("GATEWAY_DEFAULT_MAX_TOKENS", 512),
			MaxPromptChars:          getEnvAsInt("GATEWAY_MAX_PROMPT_CHARS", 100000),
			MaxCacheableTemperature: getEnvAsFloat("GATEWAY_MAX_CACHEABLE_TEMPERATURE", 0.7),
			CoalesceRequests:        getEnvAsBool("GATEWAY_COALESCE_REQUESTS", true),
			GuardEnabled:            getEnvAsBool("GATEWAY_GUARD_ENABLED", false),
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKey:        getEnv("OPENAI_API_KEY", ""),
				BaseURL:       getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Timeout:       getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
				MaxConcurrent: getEnvAsInt("OPENAI_MAX_CONCURRENT", 64),
			},
			Anthropic: ProviderConfig{
				APIKey:        getEnv("ANTHROPIC_API_KEY", ""),
				BaseURL:       getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
				Timeout:       getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
				MaxConcurrent: getEnvAsInt("ANTHROPIC_MAX_CONCURRENT", 64),
			},
		},
		Cache: CacheConfig{
			Backend:         getEnv("CACHE_BACKEND", "memory"),
			MaxEntries:      getEnvAsInt("CACHE_MAX_ENTRIES", 10000),
			DefaultTTL:      getEnvAsDuration("CACHE_DEFAULT_TTL", time.Hour),
			StableTTL:       getEnvAsDuration("CACHE_STABLE_TTL", 6*time.Hour),
			VolatileTTL:     getEnvAsDuration("CACHE_VOLATILE_TTL", 10*time.Minute),
			CleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", 5*time.Minute),
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvAsInt("REDIS_DB", 0),
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			FailureWindow:    getEnvAsDuration("BREAKER_FAILURE_WINDOW", time.Minute),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
			CooldownMax:      getEnvAsDuration("BREAKER_COOLDOWN_MAX", 10*time.Minute),
		},
		Budget: BudgetConfig{
			WarnRatio:       getEnvAsFloat("BUDGET_WARN_RATIO", 0.8),
			CleanupInterval: getEnvAsDuration("BUDGET_CLEANUP_INTERVAL", time.Hour),
		},
		Usage: UsageConfig{
			Sink:           getEnv("USAGE_SINK", "memory"),
			QueueSize:      getEnvAsInt("USAGE_QUEUE_SIZE", 1024),
			Workers:        getEnvAsInt("USAGE_WORKERS", 2),
			StopTimeout:    getEnvAsDuration("USAGE_STOP_TIMEOUT", 5*time.Second),
			MemoryCapacity: getEnvAsInt("USAGE_MEMORY_CAPACITY", 10000),
		},
		Database: loadDatabaseConfig(),
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			TokenTTL:    getEnvAsDuration("JWT_TOKEN_TTL", 24*time.Hour),
			AdminAPIKey: getEnv("ADMIN_API_KEY", ""),
		},
		Catalog: CatalogConfig{
			ModelsPath:  getEnv("CATALOG_MODELS_PATH", ""),
			TenantsPath: getEnv("CATALOG_TENANTS_PATH", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when cache backend is redis")
	}

	if c.Usage.Sink != "memory" && c.Usage.Sink != "postgres" {
		return fmt.Errorf("usage sink must be memory or postgres, got %q", c.Usage.Sink)
	}
	if c.Usage.Sink == "postgres" && c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required for postgres usage sink: set DATABASE_URL or DB_HOST")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 || c.Breaker.CooldownMax < c.Breaker.Cooldown {
		return fmt.Errorf("breaker cooldown must be positive and no greater than its max")
	}

	if c.Budget.WarnRatio <= 0 || c.Budget.WarnRatio > 1 {
		return fmt.Errorf("budget warn ratio must be in (0, 1]")
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required in production")
		}
		if c.Auth.AdminAPIKey == "" {
			return fmt.Errorf("admin API key is required in production")
		}
		if c.Providers.OpenAI.APIKey == "" && c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("at least one LLM provider must be configured in production")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", ""),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", ""),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
