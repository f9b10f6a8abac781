// Package config handles application configuration from environment variables
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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Version   string

	// Database (optional, uses in-memory store and log if not set)
	DatabaseURL string

	// Transaction store
	MaxTransactions int // 0 = unbounded

	// Scoring
	ScorerURL              string // empty selects the in-process heuristic model
	ScorerTimeout          time.Duration
	ScorerBreakerThreshold int
	ScorerBreakerCooldown  time.Duration

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string
	NotifyChannelsFile  string
	NotifyMaxAttempts   int
	NotifyBaseDelay     time.Duration
	NotifyTimeout       time.Duration
	NotifyAllowPrivate  bool // permits loopback/private webhook targets

	// HTTP edge
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultMaxTransactions        = 100000
	DefaultScorerTimeoutMS        = 100
	DefaultScorerBreakerThreshold = 5
	DefaultScorerBreakerCooldown  = 30 * time.Second
	DefaultNotifyMaxAttempts      = 3 // also the ceiling
	DefaultNotifyBaseDelayMS      = 200
	DefaultNotifyTimeout          = 10 * time.Second
	DefaultRateLimitRPM           = 600
	DefaultRateLimitBurst         = 50
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		Version:                getEnv("VERSION", "dev"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		MaxTransactions:        getEnvInt("MAX_TRANSACTIONS", DefaultMaxTransactions),
		ScorerURL:              os.Getenv("SCORER_URL"),
		ScorerTimeout:          time.Duration(getEnvInt("SCORER_TIMEOUT_MS", DefaultScorerTimeoutMS)) * time.Millisecond,
		ScorerBreakerThreshold: getEnvInt("SCORER_BREAKER_THRESHOLD", DefaultScorerBreakerThreshold),
		ScorerBreakerCooldown:  getEnvDuration("SCORER_BREAKER_COOLDOWN", DefaultScorerBreakerCooldown),
		NotifyWebhookURL:       os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:    os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		NotifyChannelsFile:     os.Getenv("NOTIFY_CHANNELS_FILE"),
		NotifyMaxAttempts:      getEnvInt("NOTIFY_MAX_ATTEMPTS", DefaultNotifyMaxAttempts),
		NotifyBaseDelay:        time.Duration(getEnvInt("NOTIFY_BASE_DELAY_MS", DefaultNotifyBaseDelayMS)) * time.Millisecond,
		NotifyTimeout:          getEnvDuration("NOTIFY_TIMEOUT", DefaultNotifyTimeout),
		NotifyAllowPrivate:     getEnvBool("NOTIFY_ALLOW_PRIVATE", false),
		RateLimitRPM:           getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:         getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		CORSOrigins:            splitList(getEnv("CORS_ORIGINS", "*")),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.MaxTransactions < 0 {
		errs = append(errs, errors.New("MAX_TRANSACTIONS must be >= 0"))
	}
	if c.ScorerTimeout <= 0 {
		errs = append(errs, errors.New("SCORER_TIMEOUT_MS must be positive"))
	}
	if c.ScorerBreakerThreshold < 1 {
		errs = append(errs, errors.New("SCORER_BREAKER_THRESHOLD must be >= 1"))
	}
	if c.NotifyMaxAttempts < 1 || c.NotifyMaxAttempts > DefaultNotifyMaxAttempts {
		errs = append(errs, fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be between 1 and %d, got %d", DefaultNotifyMaxAttempts, c.NotifyMaxAttempts))
	}
	if c.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("NOTIFY_TIMEOUT must be positive"))
	}
	if c.NotifyWebhookSecret != "" && c.NotifyWebhookURL == "" {
		errs = append(errs, errors.New("NOTIFY_WEBHOOK_SECRET set without NOTIFY_WEBHOOK_URL"))
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be >= 0"))
	}
	if c.IsProduction() && c.NotifyAllowPrivate {
		errs = append(errs, errors.New("NOTIFY_ALLOW_PRIVATE is not permitted in production"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
