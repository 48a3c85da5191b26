// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow policy
	FeeRateBps     int           // Platform fee in basis points (250 = 2.5%)
	DeliveryWindow time.Duration // Default delivery window when the caller omits one
	MaxDeliveryWindow time.Duration
	DisputeWindow  time.Duration // Fixed system-wide window after the delivery deadline
	FeeOnRefund    bool          // Charge the platform fee on buyer-favored refunds
	PlatformAddr   string        // Account credited with platform fees
	ResolverAddr   string        // Identity authorized to resolve disputes

	// Deposit intake
	StripeWebhookSecret string // Signing secret for the payment-gateway webhook

	// Security
	BootstrapAPIKeys string // "key:addr,key:addr" pairs loaded at startup
	RateLimitRPM     int    // Per-IP requests per minute on public trigger routes

	// Observability
	OTLPEndpoint string // OTLP/gRPC collector endpoint (empty disables tracing)
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultFeeRateBps     = 250 // 2.5%
	DefaultDeliveryWindow = 72 * time.Hour
	DefaultMaxDeliveryWindow = 30 * 24 * time.Hour
	DefaultDisputeWindow  = 72 * time.Hour
	DefaultRateLimit      = 60
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FeeRateBps:          int(getEnvInt64("FEE_RATE_BPS", DefaultFeeRateBps)),
		DeliveryWindow:      getEnvDuration("DELIVERY_WINDOW", DefaultDeliveryWindow),
		MaxDeliveryWindow:   getEnvDuration("MAX_DELIVERY_WINDOW", DefaultMaxDeliveryWindow),
		DisputeWindow:       getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		FeeOnRefund:         getEnvBool("FEE_ON_REFUND", true),
		PlatformAddr:        os.Getenv("PLATFORM_ADDR"), // Required, no default
		ResolverAddr:        os.Getenv("RESOLVER_ADDR"), // Required, no default
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		BootstrapAPIKeys:    os.Getenv("BOOTSTRAP_API_KEYS"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.PlatformAddr == "" {
		return fmt.Errorf("PLATFORM_ADDR is required")
	}
	if c.ResolverAddr == "" {
		return fmt.Errorf("RESOLVER_ADDR is required")
	}
	if c.FeeRateBps < 0 || c.FeeRateBps > 10000 {
		return fmt.Errorf("FEE_RATE_BPS must be between 0 and 10000")
	}
	if c.DeliveryWindow <= 0 {
		return fmt.Errorf("DELIVERY_WINDOW must be positive")
	}
	if c.MaxDeliveryWindow < c.DeliveryWindow {
		return fmt.Errorf("MAX_DELIVERY_WINDOW must be at least DELIVERY_WINDOW")
	}
	if c.DisputeWindow <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW must be positive")
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

// Helper functions

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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
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
