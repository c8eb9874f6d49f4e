// Package config loads environment-driven settings for the bot.
package config

import (
	"os"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the market-maker core.
type Config struct {
	// Exchange API
	APIBaseURL string
	APIKey     string
	APISecret  string

	// Identity
	OwnerAddress     string
	TradingAccountID string
	BotID            string // stable per-machine id, owner fallback

	// Persistence
	DBPath string

	// Status API
	APIPort   string
	JWTSecret string

	// Accounting
	FeeRate decimal.Decimal // e.g. 0.001 = 10 bps per fill

	// Bootstrap
	StrategyFile string // optional YAML seed of strategy configs

	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		APIBaseURL:       getEnv("EXCHANGE_API_URL", "http://localhost:9000"),
		APIKey:           os.Getenv("EXCHANGE_API_KEY"),
		APISecret:        os.Getenv("EXCHANGE_API_SECRET"),
		OwnerAddress:     os.Getenv("OWNER_ADDRESS"),
		TradingAccountID: getEnv("TRADING_ACCOUNT_ID", "default"),
		DBPath:           getEnv("DB_PATH", "./data/maker.db"),
		APIPort:          getEnv("API_PORT", "8080"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		FeeRate:          getEnvDecimal("FEE_RATE", "0.001"),
		StrategyFile:     os.Getenv("STRATEGY_FILE"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	cfg.BotID = botID()
	if cfg.OwnerAddress == "" {
		cfg.OwnerAddress = cfg.BotID
	}
	return cfg, nil
}

// botID derives a stable per-installation identifier so sessions stay
// attributable across restarts even without a configured owner address.
func botID() string {
	id, err := machineid.ProtectedID("maker-core")
	if err != nil {
		return "local"
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return "bot-" + strings.ToLower(id)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDecimal(key, def string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(def)
	return d
}
