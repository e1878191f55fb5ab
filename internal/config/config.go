package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	AppVersion         string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string
	MaxBodyBytes       int64

	OrderAPIBaseURL             string
	OrderAPIToken               string
	OrderAPITimeout             time.Duration
	OrderAPIMaxAttempts         int
	OrderAPIRetryBase           time.Duration
	OrderAPIBreakerMinRequests  int
	OrderAPIBreakerFailureRatio float64
	OrderAPIBreakerOpenFor      time.Duration

	CashierJWTSecret   string
	CashierJWTIssuer   string
	CashierJWTAudience string

	SessionTTL            time.Duration
	CatalogCacheTTL       time.Duration
	SubmitTimeout         time.Duration
	SubmitLineConcurrency int
	SubmitLockTTL         time.Duration
	IdempotencyTTL        time.Duration
	SubmitRateLimit       string

	// SubmitCompensationTimeout bounds scheduling compensation once the
	// submission deadline has passed. It still runs under the submit lock.
	SubmitCompensationTimeout time.Duration

	DiscountRate          string
	DiscountMemberType    string
	DiscountSubTypes      []string
	DefaultDeliveryMethod string
	DefaultPaymentMethod  string
	StoreTimezone         string

	CompensationMaxRetry int
	WorkerConcurrency    int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		AppVersion:         valueOrDefault(k.String("APP_VERSION"), "dev"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MaxBodyBytes:       int64(parseInt(k.String("MAX_BODY_BYTES"), 1<<20)),

		OrderAPIBaseURL:             strings.TrimRight(strings.TrimSpace(k.String("ORDER_API_BASE_URL")), "/"),
		OrderAPIToken:               strings.TrimSpace(k.String("ORDER_API_TOKEN")),
		OrderAPITimeout:             parseDuration(k.String("ORDER_API_TIMEOUT"), "5s"),
		OrderAPIMaxAttempts:         parseInt(k.String("ORDER_API_MAX_ATTEMPTS"), 3),
		OrderAPIRetryBase:           parseDuration(k.String("ORDER_API_RETRY_BASE"), "200ms"),
		OrderAPIBreakerMinRequests:  parseInt(k.String("ORDER_API_BREAKER_MIN_REQUESTS"), 10),
		OrderAPIBreakerFailureRatio: parseFloat(k.String("ORDER_API_BREAKER_FAILURE_RATIO"), 0.5),
		OrderAPIBreakerOpenFor:      parseDuration(k.String("ORDER_API_BREAKER_OPEN_FOR"), "30s"),

		CashierJWTSecret:   k.String("CASHIER_JWT_SECRET"),
		CashierJWTIssuer:   strings.TrimSpace(k.String("CASHIER_JWT_ISSUER")),
		CashierJWTAudience: strings.TrimSpace(k.String("CASHIER_JWT_AUDIENCE")),

		SessionTTL:            parseDuration(k.String("SESSION_TTL"), "2h"),
		CatalogCacheTTL:       parseDuration(k.String("CATALOG_CACHE_TTL"), "1m"),
		SubmitTimeout:         parseDuration(k.String("SUBMIT_TIMEOUT"), "20s"),
		SubmitLineConcurrency: parseInt(k.String("SUBMIT_LINE_CONCURRENCY"), 4),
		SubmitLockTTL:         parseDuration(k.String("SUBMIT_LOCK_TTL"), "30s"),
		IdempotencyTTL:        parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		SubmitRateLimit:       valueOrDefault(k.String("SUBMIT_RATE_LIMIT"), "30-M"),

		SubmitCompensationTimeout: parseDuration(k.String("SUBMIT_COMPENSATION_TIMEOUT"), "5s"),

		DiscountRate:          valueOrDefault(k.String("DISCOUNT_RATE"), "0.9"),
		DiscountMemberType:    valueOrDefault(k.String("DISCOUNT_MEMBER_TYPE"), "VIP"),
		DiscountSubTypes:      splitAndTrim(valueOrDefault(k.String("DISCOUNT_SUBTYPES"), "dealer,guide")),
		DefaultDeliveryMethod: strings.TrimSpace(k.String("DEFAULT_DELIVERY_METHOD")),
		DefaultPaymentMethod:  valueOrDefault(k.String("DEFAULT_PAYMENT_METHOD"), "cash"),
		StoreTimezone:         valueOrDefault(k.String("STORE_TIMEZONE"), "Asia/Taipei"),

		CompensationMaxRetry: parseInt(k.String("COMPENSATION_MAX_RETRY"), 10),
		WorkerConcurrency:    parseInt(k.String("WORKER_CONCURRENCY"), 5),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.OrderAPIBaseURL == "" {
		return nil, errors.New("ORDER_API_BASE_URL is required")
	}
	if cfg.CashierJWTSecret == "" {
		return nil, errors.New("CASHIER_JWT_SECRET is required")
	}
	if cfg.SubmitTimeout <= 0 {
		return nil, errors.New("SUBMIT_TIMEOUT must be positive")
	}
	if budget := cfg.SubmitTimeout + cfg.SubmitCompensationTimeout; budget >= cfg.SubmitLockTTL {
		return nil, fmt.Errorf("SUBMIT_LOCK_TTL (%s) must exceed SUBMIT_TIMEOUT plus SUBMIT_COMPENSATION_TIMEOUT (%s)", cfg.SubmitLockTTL, budget)
	}
	if _, err := time.LoadLocation(cfg.StoreTimezone); err != nil {
		return nil, fmt.Errorf("STORE_TIMEZONE: %w", err)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// Location returns the store time zone used for order numbers.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StoreTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
