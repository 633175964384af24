package configs

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort      string
	Environment     string
	DatabaseDriver  string
	DatabaseURL     string
	DatabaseReadURL []string
	RedisURL        string
	JWTSecret       string
	JWTTTL          time.Duration

	RateLimitPerHour int
	CacheTTL         time.Duration
	EndpointCacheTTL time.Duration

	// Limits applied when a user has no active subscription.
	MaxResponseDelayMs         int
	DefaultMaxEndpoints        int
	DefaultMaxRequestsPerMonth int

	UsageQueueSize        int
	UsageWorkers          int
	MatcherCacheSize      int
	SchemaCacheSize       int
	StrictPatternEscaping bool
	APIKeyCacheTTL        time.Duration

	EnableWebSocket   bool
	EnableIPWhitelist bool

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, falling back to a .env file
// and then to defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabaseDriver:  strings.ToLower(getEnv("DATABASE_DRIVER", "mysql")),
		DatabaseURL:     getEnv("DATABASE_URL", "root:password@tcp(localhost:3306)/mock_api?charset=utf8mb4&parseTime=True&loc=UTC"),
		DatabaseReadURL: parseList(getEnv("DATABASE_READ_URLS", "")),
		RedisURL:        getEnv("REDIS_URL", "localhost:6379"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTTTL:          parseDuration(getEnv("JWT_TTL", "24h"), 24*time.Hour),

		RateLimitPerHour: parseInt(getEnv("RATE_LIMIT_PER_HOUR", "1000")),
		CacheTTL:         parseDuration(getEnv("CACHE_TTL", "1h"), time.Hour),
		EndpointCacheTTL: parseDuration(getEnv("ENDPOINT_CACHE_TTL", "30s"), 30*time.Second),

		MaxResponseDelayMs:         parseInt(getEnv("MAX_RESPONSE_DELAY_MS", "10000")),
		DefaultMaxEndpoints:        parseInt(getEnv("DEFAULT_MAX_ENDPOINTS", "10")),
		DefaultMaxRequestsPerMonth: parseInt(getEnv("DEFAULT_MAX_REQUESTS_PER_MONTH", "1000")),

		UsageQueueSize:        parseInt(getEnv("USAGE_QUEUE_SIZE", "1024")),
		UsageWorkers:          parseInt(getEnv("USAGE_WORKERS", "2")),
		MatcherCacheSize:      parseInt(getEnv("MATCHER_CACHE_SIZE", "4096")),
		SchemaCacheSize:       parseInt(getEnv("SCHEMA_CACHE_SIZE", "1024")),
		StrictPatternEscaping: parseBool(getEnv("STRICT_PATTERN_ESCAPING", "false")),
		APIKeyCacheTTL:        parseDuration(getEnv("API_KEY_CACHE_TTL", "1m"), time.Minute),

		EnableWebSocket:   parseBool(getEnv("ENABLE_WEBSOCKET", "true")),
		EnableIPWhitelist: parseBool(getEnv("ENABLE_IP_WHITELIST", "false")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = "dev-secret-change-in-production"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "test"
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required outside development")
	}
	switch c.DatabaseDriver {
	case "mysql", "sqlite":
	default:
		return errors.New("DATABASE_DRIVER must be mysql or sqlite")
	}
	if c.MaxResponseDelayMs < 0 {
		return errors.New("MAX_RESPONSE_DELAY_MS must not be negative")
	}
	if c.DefaultMaxEndpoints <= 0 || c.DefaultMaxRequestsPerMonth <= 0 {
		return errors.New("default plan limits must be positive")
	}
	if c.UsageQueueSize <= 0 || c.UsageWorkers <= 0 {
		return errors.New("usage queue size and worker count must be positive")
	}
	if c.MatcherCacheSize <= 0 {
		return errors.New("MATCHER_CACHE_SIZE must be positive")
	}
	if c.SchemaCacheSize <= 0 {
		return errors.New("SCHEMA_CACHE_SIZE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return i
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return b
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return d
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
