// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	EscrowAddress       string        // Holding identity that receives payer funds
	EscrowAsset         string        // Token every transfer moves
	ExpirySweepInterval time.Duration // How often overdue invoices are expired
	ReconcileInterval   time.Duration // How often the escrow balance is reconciled

	// Security
	AdminSecret string            // Protects API key issuance
	APIKeys     map[string]string // Bootstrap keys: raw key -> identity (dev only)
	CORSOrigins []string          // Allowed browser origins; empty disables CORS

	// Observability
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultUSDCContract        = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultExpirySweepInterval = 30 * time.Second
	DefaultReconcileInterval   = 5 * time.Minute
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
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		EscrowAddress:       strings.ToLower(os.Getenv("ESCROW_ADDRESS")), // Required, no default
		EscrowAsset:         strings.ToLower(getEnv("ESCROW_ASSET", DefaultUSDCContract)),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		APIKeys:             parseKeyPairs(os.Getenv("API_KEYS")),
		CORSOrigins:         parseList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowAddress == "" {
		return fmt.Errorf("ESCROW_ADDRESS is required")
	}
	if !common.IsHexAddress(c.EscrowAddress) {
		return fmt.Errorf("ESCROW_ADDRESS must be a 20-byte hex address")
	}
	if c.EscrowAsset == "" || !common.IsHexAddress(c.EscrowAsset) {
		return fmt.Errorf("ESCROW_ASSET must be a 20-byte hex address")
	}
	if strings.EqualFold(c.EscrowAddress, c.EscrowAsset) {
		return fmt.Errorf("ESCROW_ADDRESS and ESCROW_ASSET must differ")
	}
	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if len(c.APIKeys) > 0 {
			return fmt.Errorf("API_KEYS bootstrap keys are not allowed in production")
		}
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
		// Bare integers are seconds.
		if secs := getEnvInt64(key, -1); secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// parseKeyPairs parses "key1=0xaddr1,key2=0xaddr2". Malformed pairs are skipped.
func parseKeyPairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || addr == "" {
			continue
		}
		out[strings.TrimSpace(key)] = strings.ToLower(strings.TrimSpace(addr))
	}
	return out
}

// parseList splits a comma-separated list, dropping empty items.
func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
