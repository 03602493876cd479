// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/custodia/internal/usdc"
)

// Chain modes.
const (
	ChainModeEVM       = "evm"
	ChainModeSimulated = "simulated"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Chain
	ChainMode    string
	RPCURL       string
	ChainID      int64
	USDCContract string

	// Secrets
	VaultSecret     string   // Process-wide key material for the vault, never stored
	GatewayAPIKeys  []string // Keys accepted from the presentation gateway
	AdminSecret     string
	WebhookURL      string
	WebhookSecret   string
	TelegramToken   string
	OTLPEndpoint    string
	TraceSampling   float64 // fraction of new root traces exported
	RateLimitRPM    int
	PINMaxAttempts  int
	PINAttemptReset time.Duration

	// Escrow policy
	DealMinAmount       string
	P2PMinAmount        string
	P2PDealTTL          time.Duration
	NotifySweepInterval time.Duration
	ReconcileInterval   time.Duration
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimitRPM = 120

	DefaultDealMinAmount = "1"
	DefaultP2PMinAmount  = "10"
	DefaultP2PDealTTL    = 30 * time.Minute

	minVaultSecretLen = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		ChainMode:           getEnv("CHAIN_MODE", ChainModeEVM),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		USDCContract:        getEnv("USDC_CONTRACT", DefaultUSDCContract),
		VaultSecret:         os.Getenv("VAULT_SECRET"),
		GatewayAPIKeys:      splitList(os.Getenv("GATEWAY_API_KEYS")),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		TelegramToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampling:       getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		PINMaxAttempts:      int(getEnvInt64("PIN_MAX_ATTEMPTS", 5)),
		PINAttemptReset:     getEnvDuration("PIN_ATTEMPT_WINDOW", 15*time.Minute),
		DealMinAmount:       getEnv("DEAL_MIN_AMOUNT", DefaultDealMinAmount),
		P2PMinAmount:        getEnv("P2P_MIN_AMOUNT", DefaultP2PMinAmount),
		P2PDealTTL:          getEnvDuration("P2P_DEAL_TTL", DefaultP2PDealTTL),
		NotifySweepInterval: getEnvDuration("NOTIFY_SWEEP_INTERVAL", 30*time.Second),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 10*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.VaultSecret) < minVaultSecretLen {
		return fmt.Errorf("VAULT_SECRET is required and must be at least %d bytes", minVaultSecretLen)
	}

	switch c.ChainMode {
	case ChainModeEVM:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required in evm chain mode")
		}
		if c.USDCContract == "" {
			return fmt.Errorf("USDC_CONTRACT is required in evm chain mode")
		}
	case ChainModeSimulated:
		if c.IsProduction() {
			return fmt.Errorf("CHAIN_MODE=simulated is not allowed in production")
		}
	default:
		return fmt.Errorf("CHAIN_MODE must be %q or %q", ChainModeEVM, ChainModeSimulated)
	}

	for name, v := range map[string]string{"DEAL_MIN_AMOUNT": c.DealMinAmount, "P2P_MIN_AMOUNT": c.P2PMinAmount} {
		amt, ok := usdc.Parse(v)
		if !ok || amt.Sign() <= 0 {
			return fmt.Errorf("%s must be a positive amount, got %q", name, v)
		}
	}

	if c.IsProduction() && len(c.GatewayAPIKeys) == 0 {
		return fmt.Errorf("GATEWAY_API_KEYS is required in production")
	}
	if c.PINMaxAttempts <= 0 {
		return fmt.Errorf("PIN_MAX_ATTEMPTS must be positive")
	}
	if c.TraceSampling < 0 || c.TraceSampling > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
