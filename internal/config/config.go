package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process configuration read from the environment.
type Config struct {
	DatabaseURL    string
	DBMaxConns     int
	Host           string
	Port           string
	HealthAddr     string
	LogLevel       string
	MigrateOnStart bool

	// Gate policy
	MessagingEnabled      bool
	DebugMode             bool
	SessionWindow         time.Duration
	SessionLegacyFallback bool
	ReferenceBucket       time.Duration

	// Provider calls
	ProviderSendTimeout  time.Duration
	ProviderProbeTimeout time.Duration
	ProviderRetryDelay   time.Duration

	// Tenant config cache
	RedisAddr      string
	RedisPassword  string
	TenantCacheTTL time.Duration

	WebhookRateLimit int

	Worker WorkerConfig
}

type WorkerConfig struct {
	BatchSize     int
	Concurrency   int
	PollInterval  time.Duration
	IdleSleep     time.Duration
	DBBackoffMin  time.Duration
	DBBackoffMax  time.Duration
	ProviderQPS   float64
	ProviderBurst int
	MaxAttempts   int
}

// Load reads a .env file when present, then the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBMaxConns:     getEnvAsInt("DB_MAX_CONNS", 20),
		Host:           getEnv("HOST", "0.0.0.0"),
		Port:           getEnv("PORT", "8080"),
		HealthAddr:     getEnv("HEALTH_ADDR", "0.0.0.0:9090"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MigrateOnStart: getEnvAsBool("MIGRATE_ON_START", false),

		MessagingEnabled:      getEnvAsBool("MESSAGING_ENABLED", true),
		DebugMode:             getEnvAsBool("DEBUG_MODE", false),
		SessionWindow:         getEnvAsDuration("SESSION_WINDOW", 24*time.Hour),
		SessionLegacyFallback: getEnvAsBool("SESSION_LEGACY_FALLBACK", false),
		ReferenceBucket:       getEnvAsDuration("REFERENCE_BUCKET", 5*time.Minute),

		ProviderSendTimeout:  getEnvAsDuration("PROVIDER_SEND_TIMEOUT", 10*time.Second),
		ProviderProbeTimeout: getEnvAsDuration("PROVIDER_PROBE_TIMEOUT", 5*time.Second),
		ProviderRetryDelay:   getEnvAsDuration("PROVIDER_RETRY_DELAY", 500*time.Millisecond),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		TenantCacheTTL: getEnvAsDuration("TENANT_CACHE_TTL", 30*time.Second),

		WebhookRateLimit: getEnvAsInt("WEBHOOK_RATE_LIMIT", 600),

		Worker: WorkerConfig{
			BatchSize:     getEnvAsInt("WORKER_BATCH", 100),
			Concurrency:   getEnvAsInt("WORKER_CONCURRENCY", 16),
			PollInterval:  getEnvAsMillis("WORKER_POLL_MS", 200*time.Millisecond),
			IdleSleep:     getEnvAsMillis("WORKER_IDLE_MS", 300*time.Millisecond),
			DBBackoffMin:  getEnvAsMillis("WORKER_DB_BACKOFF_MIN_MS", 200*time.Millisecond),
			DBBackoffMax:  getEnvAsMillis("WORKER_DB_BACKOFF_MAX_MS", 5*time.Second),
			ProviderQPS:   getEnvAsFloat("PROVIDER_QPS", 50),
			ProviderBurst: getEnvAsInt("PROVIDER_BURST", 100),
			MaxAttempts:   getEnvAsInt("WORKER_MAX_ATTEMPTS", 5),
		},
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	positive := map[string]time.Duration{
		"SESSION_WINDOW":         c.SessionWindow,
		"REFERENCE_BUCKET":       c.ReferenceBucket,
		"PROVIDER_SEND_TIMEOUT":  c.ProviderSendTimeout,
		"PROVIDER_PROBE_TIMEOUT": c.ProviderProbeTimeout,
	}
	for _, key := range []string{"SESSION_WINDOW", "REFERENCE_BUCKET", "PROVIDER_SEND_TIMEOUT", "PROVIDER_PROBE_TIMEOUT"} {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.ProviderRetryDelay < 0 {
		errs = append(errs, errors.New("PROVIDER_RETRY_DELAY must not be negative"))
	}
	if c.Worker.Concurrency <= 0 || c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY and WORKER_BATCH must be positive"))
	}
	if c.Worker.ProviderQPS <= 0 || c.Worker.ProviderBurst <= 0 {
		errs = append(errs, errors.New("PROVIDER_QPS and PROVIDER_BURST must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsMillis reads a bare integer number of milliseconds.
func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return defaultValue
}
