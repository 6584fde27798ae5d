// Package config provides application configuration loaded from environment variables.
// A .env file in the working directory is read first for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
// Load it once at startup using Load().
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// Store selects the ledger backend: "memory" or "postgres".
	// There is no implicit fallback between them.
	Store StoreConfig

	// Ledger holds the trading parameters.
	Ledger LedgerConfig

	// Auth holds JWT verification settings.
	Auth AuthConfig

	// Oracle holds the market-data provider settings.
	Oracle OracleConfig

	// Kafka holds trade event publishing settings. Disabled when Brokers is empty.
	Kafka KafkaConfig

	// PriceBroadcastInterval is how often live prices are pushed to WebSocket clients.
	PriceBroadcastInterval time.Duration

	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string

	// RequestTimeout bounds non-streaming API requests.
	RequestTimeout time.Duration
}

type StoreConfig struct {
	Backend     string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
}

type LedgerConfig struct {
	// FeeRate is the fraction of trade notional charged per trade.
	FeeRate decimal.Decimal

	// StartingBalance is the cash a user receives on first access.
	StartingBalance decimal.Decimal
}

type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type OracleConfig struct {
	BaseURL     string
	MinInterval time.Duration
	Timeout     time.Duration
	CacheTTL    time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Default trading parameters.
var (
	DefaultFeeRate         = decimal.RequireFromString("0.001")
	DefaultStartingBalance = decimal.RequireFromString("10000.00")
)

// Load reads configuration from the environment, after an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	// Malformed values are collected so startup reports all of them at once.
	var parseErrs []error
	duration := func(key string, defaultValue time.Duration) time.Duration {
		v, err := getEnvDuration(key, defaultValue)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return v
	}
	number := func(key string, defaultValue decimal.Decimal) decimal.Decimal {
		v, err := getEnvDecimal(key, defaultValue)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return v
	}

	cfg := &Config{
		Port: getEnv("PORT", "8080"),
		Store: StoreConfig{
			Backend:     strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			RedisURL:    getEnv("REDIS_URL", ""),
			CacheTTL:    duration("CACHE_TTL", 30*time.Second),
		},
		Ledger: LedgerConfig{
			FeeRate:         number("FEE_RATE", DefaultFeeRate),
			StartingBalance: number("STARTING_BALANCE", DefaultStartingBalance),
		},
		Auth: AuthConfig{
			Secret:   getEnv("JWT_SECRET", ""),
			Issuer:   getEnv("JWT_ISSUER", ""),
			Audience: getEnv("JWT_AUDIENCE", ""),
		},
		Oracle: OracleConfig{
			BaseURL:     getEnv("PRICE_API_URL", "https://api.coingecko.com/api/v3"),
			MinInterval: duration("ORACLE_MIN_INTERVAL", time.Second),
			Timeout:     duration("ORACLE_TIMEOUT", 5*time.Second),
			CacheTTL:    duration("ORACLE_CACHE_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TRADE_TOPIC", "papertrade.trades"),
		},
		PriceBroadcastInterval: duration("PRICE_BROADCAST_INTERVAL", 15*time.Second),
		AllowedOrigins:         getEnvSlice("CORS_ALLOWED_ORIGINS", nil),
		RequestTimeout:         duration("REQUEST_TIMEOUT", 30*time.Second),
	}

	if len(parseErrs) > 0 {
		return nil, errors.Join(parseErrs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("STORE_BACKEND=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q (want memory or postgres)", c.Store.Backend))
	}

	if c.Ledger.FeeRate.IsNegative() || c.Ledger.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("FEE_RATE must be in [0, 1), got %s", c.Ledger.FeeRate))
	}
	if c.Ledger.StartingBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("STARTING_BALANCE must not be negative, got %s", c.Ledger.StartingBalance))
	}
	if !c.Ledger.StartingBalance.Equal(c.Ledger.StartingBalance.Truncate(model.CashScale)) {
		errs = append(errs, fmt.Errorf("STARTING_BALANCE must have at most %d decimal places, got %s",
			model.CashScale, c.Ledger.StartingBalance))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Oracle.Timeout <= 0 {
		errs = append(errs, errors.New("ORACLE_TIMEOUT must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.PriceBroadcastInterval <= 0 {
		errs = append(errs, errors.New("PRICE_BROADCAST_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms", "2s") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(valueStr); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("%s: invalid duration %q (want e.g. 750ms, 2s or plain seconds)", key, valueStr)
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	v, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, valueStr, err)
	}
	return v, nil
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
