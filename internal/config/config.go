// Package config provides configuration management for the referral distributor.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/referral-distributor/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Ledger       LedgerConfig
	Feeds        FeedsConfig
	Contracts    ContractsConfig
	Distribution DistributionConfig
	Logging      LoggingConfig
	Alerts       AlertsConfig
}

// ServerConfig holds read API configuration
type ServerConfig struct {
	Port string
	Host string
	// RequestsPerSecond is the per-client API rate limit; 0 disables it
	RequestsPerSecond int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate.
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration. An empty Host disables
// the price history sink.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration. An empty Host disables the shared
// asset metadata cache.
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// LedgerConfig holds ledger gateway endpoints and the operator identity
type LedgerConfig struct {
	QueryURL          string
	WalletURL         string
	EventsURL         string
	OperatorAddress   string
	RequestsPerSecond int
	RequestTimeout    time.Duration
}

// FeedsConfig holds market data and exchange rate feed endpoints
type FeedsConfig struct {
	MarketDataURL     string
	MarketDataTimeout time.Duration
	CoinGeckoURL      string
	CryptoCompareURL  string
}

// ContractsConfig holds the template and instance addresses of the
// contracts the distributor reads.
type ContractsConfig struct {
	CurveBaseAAs      []string
	DepositBaseAA     string
	T1ArbBaseAAs      []string
	InterestArbBaseAA string
	PoolFactoryAA     string
	BufferBaseAA      string
	LiquidityMiningAA string
	BankAA            string
	OrderBookAA       string
	TokenRegistryAA   string
	PayoutCurveAA     string
	PayoutAsset       string
	PayoutDecimals    int
}

// ContractLedgers returns the fixed multi-asset ledgers whose balances
// count toward holders' totals. Unset contracts are skipped.
func (c *ContractsConfig) ContractLedgers() []types.ContractLedger {
	var ledgers []types.ContractLedger
	for _, l := range []types.ContractLedger{
		{Contract: c.LiquidityMiningAA, Prefix: "amount_"},
		{Contract: c.BankAA, Prefix: "balance_"},
		{Contract: c.OrderBookAA, Prefix: "balance_"},
	} {
		if l.Contract != "" {
			ledgers = append(ledgers, l)
		}
	}
	return ledgers
}

// DistributionConfig holds reward period and payout settings
type DistributionConfig struct {
	Interval             time.Duration
	ReferrerReward       float64
	ReferredReward       float64
	MaxTotalReward       float64
	MaxFeePercent        float64
	MaxOutputsPerMessage int
	TickInterval         time.Duration
	PaymentRetryDelay    time.Duration
	PriceRefreshInterval time.Duration
}

// BatchSize is the number of reward outputs per payment. One output of every
// payment message is reserved for change.
func (c *DistributionConfig) BatchSize() int {
	return c.MaxOutputsPerMessage - 1
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// AlertsConfig holds error reporting configuration
type AlertsConfig struct {
	SentryDSN   string
	Environment string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "3000"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),

			RequestsPerSecond: getEnvAsInt("API_REQUESTS_PER_SECOND", 10),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "referrals"),
				User:           getEnv("POSTGRES_USER", "referrals"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "referrals"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", ""),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		Ledger: LedgerConfig{
			QueryURL:          getEnv("LEDGER_QUERY_URL", "http://localhost:6611"),
			WalletURL:         getEnv("LEDGER_WALLET_URL", "http://localhost:6612"),
			EventsURL:         getEnv("LEDGER_EVENTS_URL", "ws://localhost:6611/events"),
			OperatorAddress:   getEnv("OPERATOR_ADDRESS", ""),
			RequestsPerSecond: getEnvAsInt("LEDGER_REQUESTS_PER_SECOND", 20),
			RequestTimeout:    getEnvAsDuration("LEDGER_REQUEST_TIMEOUT", 30*time.Second),
		},
		Feeds: FeedsConfig{
			MarketDataURL:     getEnv("MARKET_DATA_URL", "https://data.ostable.org/api/v1/assets"),
			MarketDataTimeout: getEnvAsDuration("MARKET_DATA_TIMEOUT", 60*time.Second),
			CoinGeckoURL:      getEnv("COINGECKO_URL", "https://api.coingecko.com"),
			CryptoCompareURL:  getEnv("CRYPTOCOMPARE_URL", "https://min-api.cryptocompare.com"),
		},
		Contracts: ContractsConfig{
			CurveBaseAAs: getEnvAsList("CURVE_BASE_AAS", []string{
				"FCFYMFIOGS363RLDLEWIDBIIBU7M7BHP", "3RNNDX57C36E76JLG2KAQSIASAYVGAYG",
				"3DGWRKKWWSC6SV4ZQDWEHYFRYB4TGPKX", "CD5DNSVS6ENG5UYILRPJPHAB3YXKA63W",
			}),
			DepositBaseAA:     getEnv("DEPOSIT_BASE_AA", "GEZGVY4T3LK6N4NJAKNHNQIVAI5OYHPC"),
			T1ArbBaseAAs:      getEnvAsList("T1_ARB_BASE_AAS", []string{"7DTJZNB3MHSBVI72CKXRIKONJYBV7I2Z", "WQBLYBRAMJVXDWS7BGTUNUTW2STO6LYP"}),
			InterestArbBaseAA: getEnv("INTEREST_ARB_BASE_AA", "WURQLCAXAX3WCVCFYJ3A2PQU4ZB3ALG7"),
			PoolFactoryAA:     getEnv("POOL_FACTORY_AA", "B22543LKSS35Z55ROU4GDN26RT6MDKWU"),
			BufferBaseAA:      getEnv("BUFFER_BASE_AA", "6UZ3XA5M6B6ZL5YSBLTIDCCVAQGSYYWR"),
			LiquidityMiningAA: getEnv("LIQUIDITY_MINING_AA", "7AUBFK4YAUGUF3RWWYRFXXF7BBWY2V7Y"),
			BankAA:            getEnv("BANK_AA", "GV5YXIIRH3DH5FTEECW7IS2EQTAYJJ6S"),
			OrderBookAA:       getEnv("ORDER_BOOK_AA", "FVRZTCFXIDQ3EYRGQSLE5AMWUQF4PRYJ"),
			TokenRegistryAA:   getEnv("TOKEN_REGISTRY_AA", "O6H6ZIFI57X3PLTYHOCVYPP5A553CYFQ"),
			PayoutCurveAA:     getEnv("PAYOUT_CURVE_AA", "VLKI3XMMX5YULOBA6ZXBXDPI6TXF6V3D"),
			PayoutAsset:       getEnv("PAYOUT_ASSET", "eCpmov+r6LOVNj8KD0EWTyfKPrqsG3i2GgxV4P+zE6A="),
			PayoutDecimals:    getEnvAsInt("PAYOUT_DECIMALS", 4),
		},
		Distribution: DistributionConfig{
			Interval:             getEnvAsDuration("DISTRIBUTION_INTERVAL", 7*24*time.Hour),
			ReferrerReward:       getEnvAsFloat("REFERRER_REWARD", 0.1),
			ReferredReward:       getEnvAsFloat("REFERRED_REWARD", 0.05),
			MaxTotalReward:       getEnvAsFloat("MAX_TOTAL_REWARD", 3000),
			MaxFeePercent:        getEnvAsFloat("MAX_FEE_PERCENT", 1),
			MaxOutputsPerMessage: getEnvAsInt("MAX_OUTPUTS_PER_MESSAGE", 128),
			TickInterval:         getEnvAsDuration("TICK_INTERVAL", 5*time.Minute),
			PaymentRetryDelay:    getEnvAsDuration("PAYMENT_RETRY_DELAY", 300*time.Second),
			PriceRefreshInterval: getEnvAsDuration("PRICE_REFRESH_INTERVAL", 20*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Alerts: AlertsConfig{
			SentryDSN:   getEnv("SENTRY_DSN", ""),
			Environment: getEnv("SENTRY_ENVIRONMENT", "production"),
		},
	}

	return config, nil
}

// Validate checks the settings a distributor cannot run without
func (c *Config) Validate() error {
	if c.Ledger.OperatorAddress == "" {
		return fmt.Errorf("OPERATOR_ADDRESS is required")
	}
	if c.Contracts.PayoutAsset == "" {
		return fmt.Errorf("PAYOUT_ASSET is required")
	}
	if c.Contracts.PayoutCurveAA == "" {
		return fmt.Errorf("PAYOUT_CURVE_AA is required")
	}
	if c.Feeds.MarketDataURL == "" {
		return fmt.Errorf("MARKET_DATA_URL is required")
	}

	d := c.Distribution
	if d.Interval <= 0 || d.TickInterval <= 0 || d.PaymentRetryDelay <= 0 || d.PriceRefreshInterval <= 0 {
		return fmt.Errorf("distribution intervals must be positive")
	}
	if d.ReferrerReward < 0 || d.ReferrerReward > 1 || d.ReferredReward < 0 || d.ReferredReward > 1 {
		return fmt.Errorf("reward rates must be within [0, 1]")
	}
	if d.MaxTotalReward <= 0 {
		return fmt.Errorf("MAX_TOTAL_REWARD must be positive, got %v", d.MaxTotalReward)
	}
	if d.BatchSize() < 1 {
		return fmt.Errorf("MAX_OUTPUTS_PER_MESSAGE must be at least 2, got %d", d.MaxOutputsPerMessage)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable with a default value
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
