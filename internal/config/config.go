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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Marketplace settings
	AcceptedTokens      []string      // token contract identifiers accepted for bids
	BidExpiry           time.Duration // accepted bids become refundable after this
	LostBidClaimDelay   time.Duration // losing bidders may self-claim after this
	EscrowReleaseDelay  time.Duration // escrow auto-release window after docs confirmed
	LeaseSweepInterval  time.Duration // how often expired leases are swept
	TimeoutSweepBudget  int           // max refunds processed per sweep pass
	SiblingRefundBudget int           // max sibling refunds per acceptance pass

	// External services
	TransferServiceURL string // token transfer service base URL
	RegistryURL        string // title registry service base URL (optional, local if not set)
	PublicURL          string // externally reachable base URL for transfer callbacks

	// Security
	AdminSecret   string // Admin API secret
	WebhookSecret string // Shared secret for transfer callbacks
	RateLimitRPS  int

	// Telemetry
	OTLPEndpoint string // OTLP gRPC collector (optional, traces disabled if not set)
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultBidExpiry          = 24 * time.Hour
	DefaultLostBidClaimDelay  = time.Hour
	DefaultEscrowRelease      = 72 * time.Hour
	DefaultLeaseSweepInterval = 5 * time.Minute
	DefaultSweepBudget        = 10
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AcceptedTokens:      getEnvList("ACCEPTED_TOKENS"),
		BidExpiry:           getEnvDuration("BID_EXPIRY", DefaultBidExpiry),
		LostBidClaimDelay:   getEnvDuration("LOST_BID_CLAIM_DELAY", DefaultLostBidClaimDelay),
		EscrowReleaseDelay:  getEnvDuration("ESCROW_RELEASE_DELAY", DefaultEscrowRelease),
		LeaseSweepInterval:  getEnvDuration("LEASE_SWEEP_INTERVAL", DefaultLeaseSweepInterval),
		TimeoutSweepBudget:  int(getEnvInt64("TIMEOUT_SWEEP_BUDGET", DefaultSweepBudget)),
		SiblingRefundBudget: int(getEnvInt64("SIBLING_REFUND_BUDGET", DefaultSweepBudget)),
		TransferServiceURL:  os.Getenv("TRANSFER_SERVICE_URL"),
		RegistryURL:         os.Getenv("REGISTRY_URL"),
		PublicURL:           os.Getenv("PUBLIC_URL"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.AcceptedTokens) == 0 {
		return fmt.Errorf("ACCEPTED_TOKENS is required (comma-separated token identifiers)")
	}
	if c.BidExpiry <= 0 {
		return fmt.Errorf("BID_EXPIRY must be positive")
	}
	if c.LostBidClaimDelay <= 0 {
		return fmt.Errorf("LOST_BID_CLAIM_DELAY must be positive")
	}
	if c.EscrowReleaseDelay <= 0 {
		return fmt.Errorf("ESCROW_RELEASE_DELAY must be positive")
	}
	if c.TimeoutSweepBudget <= 0 || c.SiblingRefundBudget <= 0 {
		return fmt.Errorf("sweep budgets must be positive")
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
