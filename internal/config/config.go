// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Payment gateway
	StripeSecretKey     string // Optional; mock gateway is used when not set
	StripeWebhookSecret string

	// Order settings
	Currencies         []string // ISO currency allow-list
	PlatformFeeBPS     int      // basis-point platform fee on settlement
	ForfeitPlatformBPS int      // basis-point platform share of a forfeited deposit

	// Credits settings
	QuoteCostDefault  int    // credits per quote when no category price is configured
	ListingCost       int    // credits per listing past subscription quota
	CreditsPerUnit    int    // credits granted per 1.00 of currency on recharge
	RechargeCurrency  string // currency recharges are charged in
	AutoRechargeOn    bool
	AutoRechargeFloor int // purchased-balance threshold that triggers a top-up
	AutoRechargeTopUp int // credits purchased by an automatic top-up
	SignupBonusOn     bool
	SignupBonus       int

	// Verification codes
	CodeTTLMinutes int

	// Security
	RateLimitRPS int
}

// Defaults.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultCurrencies         = "USD,EUR,GBP"
	DefaultPlatformFeeBPS     = 1000 // 10%
	DefaultForfeitPlatformBPS = 5000 // platform keeps half of a forfeited deposit
	DefaultQuoteCost          = 5
	DefaultListingCost        = 10
	DefaultCreditsPerUnit     = 10
	DefaultRechargeCurrency   = "USD"
	DefaultAutoRechargeFloor  = 10
	DefaultAutoRechargeTopUp  = 50
	DefaultSignupBonus        = 20
	DefaultCodeTTLMinutes     = 30
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currencies:          splitList(getEnv("CURRENCIES", DefaultCurrencies)),
		PlatformFeeBPS:      getEnvInt("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		ForfeitPlatformBPS:  getEnvInt("FORFEIT_PLATFORM_BPS", DefaultForfeitPlatformBPS),
		QuoteCostDefault:    getEnvInt("QUOTE_COST_DEFAULT", DefaultQuoteCost),
		ListingCost:         getEnvInt("LISTING_COST", DefaultListingCost),
		CreditsPerUnit:      getEnvInt("CREDITS_PER_UNIT", DefaultCreditsPerUnit),
		RechargeCurrency:    getEnv("RECHARGE_CURRENCY", DefaultRechargeCurrency),
		AutoRechargeOn:      getEnvBool("AUTO_RECHARGE_ENABLED", false),
		AutoRechargeFloor:   getEnvInt("AUTO_RECHARGE_THRESHOLD", DefaultAutoRechargeFloor),
		AutoRechargeTopUp:   getEnvInt("AUTO_RECHARGE_AMOUNT", DefaultAutoRechargeTopUp),
		SignupBonusOn:       getEnvBool("SIGNUP_BONUS_ENABLED", true),
		SignupBonus:         getEnvInt("SIGNUP_BONUS_AMOUNT", DefaultSignupBonus),
		CodeTTLMinutes:      getEnvInt("CODE_TTL_MINUTES", DefaultCodeTTLMinutes),
		RateLimitRPS:        getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.Currencies) == 0 {
		return fmt.Errorf("CURRENCIES must list at least one currency")
	}
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.ForfeitPlatformBPS < 0 || c.ForfeitPlatformBPS > 10000 {
		return fmt.Errorf("FORFEIT_PLATFORM_BPS must be between 0 and 10000")
	}
	if c.CreditsPerUnit <= 0 {
		return fmt.Errorf("CREDITS_PER_UNIT must be positive")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	return nil
}

// CurrencyAllowed reports whether the currency is on the allow-list.
func (c *Config) CurrencyAllowed(currency string) bool {
	for _, cur := range c.Currencies {
		if strings.EqualFold(cur, currency) {
			return true
		}
	}
	return false
}

// GetInt implements the pricing-configuration collaborator: it resolves an
// integer value by key with a fallback default. Keys map to environment
// variables (upper-cased, dots replaced by underscores), so category quote
// prices are configured as e.g. QUOTE_COST_CATEGORY_PLUMBING=8.
func (c *Config) GetInt(key string, def int) int {
	env := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	return getEnvInt(env, def)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
