package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ACCEPTED_TOKENS", "tkn.kes.stable, tkn.usdc.bridge")
	setEnv(t, "PORT", "9090")
	setEnv(t, "BID_EXPIRY", "48h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"tkn.kes.stable", "tkn.usdc.bridge"}, cfg.AcceptedTokens)
	assert.Equal(t, 48*time.Hour, cfg.BidExpiry)
	assert.Equal(t, DefaultEscrowRelease, cfg.EscrowReleaseDelay)
	assert.Equal(t, DefaultSweepBudget, cfg.TimeoutSweepBudget)
}

func TestLoad_MissingAcceptedTokens(t *testing.T) {
	setEnv(t, "ACCEPTED_TOKENS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ACCEPTED_TOKENS is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			AcceptedTokens:      []string{"tkn.kes.stable"},
			BidExpiry:           DefaultBidExpiry,
			LostBidClaimDelay:   DefaultLostBidClaimDelay,
			EscrowReleaseDelay:  DefaultEscrowRelease,
			TimeoutSweepBudget:  DefaultSweepBudget,
			SiblingRefundBudget: DefaultSweepBudget,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "no accepted tokens",
			mutate:  func(c *Config) { c.AcceptedTokens = nil },
			wantErr: "ACCEPTED_TOKENS is required",
		},
		{
			name:    "zero bid expiry",
			mutate:  func(c *Config) { c.BidExpiry = 0 },
			wantErr: "BID_EXPIRY must be positive",
		},
		{
			name:    "negative claim delay",
			mutate:  func(c *Config) { c.LostBidClaimDelay = -time.Second },
			wantErr: "LOST_BID_CLAIM_DELAY must be positive",
		},
		{
			name:    "zero sweep budget",
			mutate:  func(c *Config) { c.TimeoutSweepBudget = 0 },
			wantErr: "sweep budgets must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90m")
	setEnv(t, "TEST_DUR_BAD", "ninety minutes")

	assert.Equal(t, 90*time.Minute, getEnvDuration("TEST_DUR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_DUR_BAD", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("NONEXISTENT_VAR", time.Hour))
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", "a, b ,,c")

	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
}
