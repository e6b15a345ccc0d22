// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
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

	// Stores
	DatabaseURL string // PostgreSQL (replay ledger, API keys); in-memory if not set
	RedisURL    string // Redis (rate counters, reservations); in-memory if not set

	// Blockchain settings
	RPCURL            string
	ChainID           int64
	Network           string // "base", "base-sepolia"
	FacilitatorKey    string // Hex-encoded, with or without 0x prefix
	TreasuryAddress   string
	TokenAddress      string
	TokenName         string // EIP-712 domain name
	TokenVersion      string // EIP-712 domain version
	TokenDecimals     int
	MaxGasPriceGwei   uint64
	MinGasBalanceETH  float64
	ETHPriceUSD       float64
	ETHPriceURL       string // price API; empty pins ETHPriceUSD
	ExplorerURL       string
	RPCTimeout        time.Duration
	SettleTimeout     time.Duration
	MinPaymentUSD     string
	MaxPaymentUSD     string
	ReplayRetention   time.Duration
	ReplayCleanupTick time.Duration

	// Billing guard
	Billing BillingConfig

	// Payment rate limiter bans
	BanThreshold int
	BanWindow    time.Duration
	BanDuration  time.Duration

	// Observability
	OTLPEndpoint string
}

// BillingConfig holds the limits enforced before any spend-incurring call.
type BillingConfig struct {
	HourlyLimit       int64
	DailyLimitUSD     float64
	MaxConcurrent     int64
	MaxRequestUSD     float64
	AnomalyZScore     float64
	AnomalyMinSamples int
	HistorySize       int64
	ReservationTTL    time.Duration
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532 // Base Sepolia
	DefaultNetwork       = "base-sepolia"
	DefaultTokenAddress  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultTokenName     = "USDC"
	DefaultTokenVersion  = "2"
	DefaultTokenDecimals = 6
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultMaxGasGwei    = 50
	DefaultMinGasETH     = 0.01
	DefaultETHPriceUSD   = 2500.0
	DefaultETHPriceURL   = "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd"
)

// Billing defaults
const (
	DefaultHourlyLimit       = 1000
	DefaultDailyLimitUSD     = 1000.0
	DefaultMaxConcurrent     = 10
	DefaultMaxRequestUSD     = 50.0
	DefaultAnomalyZScore     = 3.0
	DefaultAnomalyMinSamples = 3
	DefaultHistorySize       = 50
	DefaultReservationTTL    = 300 * time.Second
	DefaultReplayRetention   = 30 * 24 * time.Hour
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		Network:           getEnv("NETWORK", DefaultNetwork),
		FacilitatorKey:    os.Getenv("FACILITATOR_PRIVATE_KEY"),
		TreasuryAddress:   os.Getenv("TREASURY_ADDRESS"),
		TokenAddress:      getEnv("TOKEN_ADDRESS", DefaultTokenAddress),
		TokenName:         getEnv("TOKEN_NAME", DefaultTokenName),
		TokenVersion:      getEnv("TOKEN_VERSION", DefaultTokenVersion),
		TokenDecimals:     int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		MaxGasPriceGwei:   uint64(getEnvInt64("MAX_GAS_PRICE_GWEI", DefaultMaxGasGwei)),
		MinGasBalanceETH:  getEnvFloat("MIN_GAS_BALANCE_ETH", DefaultMinGasETH),
		ETHPriceUSD:       getEnvFloat("ETH_PRICE_USD", DefaultETHPriceUSD),
		ETHPriceURL:       lookupEnv("ETH_PRICE_URL", DefaultETHPriceURL),
		ExplorerURL:       os.Getenv("EXPLORER_URL"),
		RPCTimeout:        getEnvDuration("RPC_TIMEOUT", 5*time.Second),
		SettleTimeout:     getEnvDuration("SETTLE_TIMEOUT", 30*time.Second),
		MinPaymentUSD:     getEnv("MIN_PAYMENT_USD", "0.01"),
		MaxPaymentUSD:     getEnv("MAX_PAYMENT_USD", "10000"),
		ReplayRetention:   getEnvDuration("REPLAY_RETENTION", DefaultReplayRetention),
		ReplayCleanupTick: getEnvDuration("REPLAY_CLEANUP_INTERVAL", time.Hour),
		Billing: BillingConfig{
			HourlyLimit:       getEnvInt64("BILLING_HOURLY_LIMIT", DefaultHourlyLimit),
			DailyLimitUSD:     getEnvFloat("BILLING_DAILY_LIMIT_USD", DefaultDailyLimitUSD),
			MaxConcurrent:     getEnvInt64("BILLING_MAX_CONCURRENT", DefaultMaxConcurrent),
			MaxRequestUSD:     getEnvFloat("BILLING_MAX_REQUEST_USD", DefaultMaxRequestUSD),
			AnomalyZScore:     getEnvFloat("BILLING_ANOMALY_ZSCORE", DefaultAnomalyZScore),
			AnomalyMinSamples: int(getEnvInt64("BILLING_ANOMALY_MIN_SAMPLES", DefaultAnomalyMinSamples)),
			HistorySize:       getEnvInt64("BILLING_HISTORY_SIZE", DefaultHistorySize),
			ReservationTTL:    getEnvDuration("RESERVATION_TTL", DefaultReservationTTL),
		},
		BanThreshold: int(getEnvInt64("RATE_LIMIT_BAN_THRESHOLD", 3)),
		BanWindow:    getEnvDuration("RATE_LIMIT_BAN_WINDOW", 30*time.Minute),
		BanDuration:  getEnvDuration("RATE_LIMIT_BAN_DURATION", time.Hour),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FacilitatorKey == "" {
		return fmt.Errorf("FACILITATOR_PRIVATE_KEY is required")
	}

	key := strings.TrimPrefix(c.FacilitatorKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("FACILITATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if !addressRe.MatchString(c.TreasuryAddress) {
		return fmt.Errorf("TREASURY_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if !addressRe.MatchString(c.TokenAddress) {
		return fmt.Errorf("TOKEN_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 36")
	}
	if c.MaxGasPriceGwei == 0 {
		return fmt.Errorf("MAX_GAS_PRICE_GWEI must be positive")
	}

	b := c.Billing
	if b.HourlyLimit <= 0 || b.MaxConcurrent <= 0 || b.DailyLimitUSD <= 0 || b.MaxRequestUSD <= 0 {
		return fmt.Errorf("billing limits must be positive")
	}
	if b.ReservationTTL <= 0 {
		return fmt.Errorf("RESERVATION_TTL must be positive")
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

// Explorer returns the block explorer base URL for the configured network.
func (c *Config) Explorer() string {
	if c.ExplorerURL != "" {
		return strings.TrimRight(c.ExplorerURL, "/")
	}
	switch c.Network {
	case "base":
		return "https://basescan.org"
	case "base-sepolia":
		return "https://sepolia.basescan.org"
	}
	return ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// lookupEnv is getEnv that honours an explicitly empty value.
func lookupEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
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

// getEnvDuration accepts Go durations ("300s", "720h") or bare seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
