// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
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
	RedisURL    string // Parameter cache and job locks (optional, process-local if not set)

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Usage source
	UsageSourceURL     string // Remote usage service; empty uses chat_history when DatabaseURL is set
	UsageSourceTimeout time.Duration

	// Scheduled jobs (standard five-field cron; empty disables the schedule)
	CronMonthlyReset string
	CronExpirySweep  string
	CronUsageSync    string
	ExpiryNoticeDays int
	Timezone         string

	// Payments
	StripeWebhookSecret string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultRateLimitRPM       = 600
	DefaultUsageSourceTimeout = 5 * time.Second
	DefaultCronMonthlyReset   = "0 2 1 * *"
	DefaultCronExpirySweep    = "0 3 * * *"
	DefaultCronUsageSync      = "*/30 * * * *"
	DefaultExpiryNoticeDays   = 3
	DefaultTimezone           = "UTC"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		UsageSourceURL:      os.Getenv("USAGE_SOURCE_URL"),
		UsageSourceTimeout:  getEnvDuration("USAGE_SOURCE_TIMEOUT", DefaultUsageSourceTimeout),
		CronMonthlyReset:    getEnvAllowEmpty("CRON_MONTHLY_RESET", DefaultCronMonthlyReset),
		CronExpirySweep:     getEnvAllowEmpty("CRON_EXPIRY_SWEEP", DefaultCronExpirySweep),
		CronUsageSync:       getEnvAllowEmpty("CRON_USAGE_SYNC", DefaultCronUsageSync),
		ExpiryNoticeDays:    int(getEnvInt64("EXPIRY_NOTICE_DAYS", DefaultExpiryNoticeDays)),
		Timezone:            getEnv("TIMEZONE", DefaultTimezone),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AdminSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("ADMIN_SECRET is required outside development")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.UsageSourceTimeout <= 0 {
		return fmt.Errorf("USAGE_SOURCE_TIMEOUT must be positive")
	}
	if c.ExpiryNoticeDays < 1 {
		return fmt.Errorf("EXPIRY_NOTICE_DAYS must be at least 1")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	for key, spec := range map[string]string{
		"CRON_MONTHLY_RESET": c.CronMonthlyReset,
		"CRON_EXPIRY_SWEEP":  c.CronExpirySweep,
		"CRON_USAGE_SYNC":    c.CronUsageSync,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Location returns the time zone periods and schedules are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
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

// getEnvAllowEmpty distinguishes an unset variable from one set to "off".
func getEnvAllowEmpty(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "off") {
		return ""
	}
	return value
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
