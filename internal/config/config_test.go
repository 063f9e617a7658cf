package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEscrow = "0x1234567890123456789012345678901234567890"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ESCROW_ADDRESS", "0xABCDEF0123456789ABCDEF0123456789ABCDEF01")
	setEnv(t, "PORT", "9090")
	setEnv(t, "EXPIRY_SWEEP_INTERVAL", "1m")
	setEnv(t, "API_KEYS", "sk_a=0xAAA, bogus ,sk_b=0xbbb")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://shop.example, ,https://pay.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", cfg.EscrowAddress)
	assert.Equal(t, "0x036cbd53842c5426634e7929541ec2318f3dcf7e", cfg.EscrowAsset)
	assert.Equal(t, time.Minute, cfg.ExpirySweepInterval)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, map[string]string{"sk_a": "0xaaa", "sk_b": "0xbbb"}, cfg.APIKeys)
	assert.Equal(t, []string{"https://shop.example", "https://pay.example"}, cfg.CORSOrigins)
}

func TestLoad_MissingEscrowAddress(t *testing.T) {
	setEnv(t, "ESCROW_ADDRESS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_ADDRESS is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                 "development",
			EscrowAddress:       testEscrow,
			EscrowAsset:         DefaultUSDCContract,
			ExpirySweepInterval: time.Second,
			ReconcileInterval:   time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"bad escrow address", func(c *Config) { c.EscrowAddress = "0x12" }, "20-byte hex address"},
		{"bad asset", func(c *Config) { c.EscrowAsset = "usdc" }, "ESCROW_ASSET"},
		{"escrow equals asset", func(c *Config) { c.EscrowAsset = testEscrow }, "must differ"},
		{"zero sweep interval", func(c *Config) { c.ExpirySweepInterval = 0 }, "EXPIRY_SWEEP_INTERVAL"},
		{"negative reconcile interval", func(c *Config) { c.ReconcileInterval = -time.Second }, "RECONCILE_INTERVAL"},
		{"production without admin secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
		{"production with bootstrap keys", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s3cret"
			c.APIKeys = map[string]string{"sk": testEscrow}
		}, "API_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
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

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_SECS", "15")
	setEnv(t, "TEST_BAD", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, 15*time.Second, getEnvDuration("TEST_SECS", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}
