// Package config handles application configuration from environment variables
package config

import (
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
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // sweep leases across replicas (optional, single-replica if not set)

	// Security
	JWTSecret    string
	RateLimitRPS int
	CORSOrigins  []string // empty = same-origin only

	// Lifecycle
	TransactionExpiryDays int
	SweepInterval         time.Duration
	DisputeMonthlyLimit   int // 0 = unlimited

	// Tracing
	OTLPEndpoint    string
	TraceSampleRate float64 // fraction of root spans kept; parents decide for children
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultRateLimit     = 20
	DefaultExpiryDays    = 7
	MaxExpiryDays        = 90
	DefaultSweepInterval = time.Minute
	minJWTSecretLength   = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = LoadDotEnv()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		TransactionExpiryDays: int(getEnvInt64("TRANSACTION_EXPIRY_DAYS", DefaultExpiryDays)),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		DisputeMonthlyLimit:   int(getEnvInt64("DISPUTE_MONTHLY_LIMIT", 0)),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRate:       getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDotEnv reads a .env file into the process environment when present.
// Variables already set win.
func LoadDotEnv() error {
	return godotenv.Load()
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in production", minJWTSecretLength)
	}
	if c.TransactionExpiryDays < 1 || c.TransactionExpiryDays > MaxExpiryDays {
		return fmt.Errorf("TRANSACTION_EXPIRY_DAYS must be between 1 and %d", MaxExpiryDays)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.DisputeMonthlyLimit < 0 {
		return fmt.Errorf("DISPUTE_MONTHLY_LIMIT must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
