package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration, loaded from the environment with
// an optional .env file.
type Config struct {
	Port            string
	DBPath          string
	LogLevel        string
	SettlementFee   decimal.Decimal // flat fee added to every settlement quote
	DefaultRiskDays int             // days overdue before the sweep flags default risk
	SweepSchedule   string          // cron spec for the daily classification sweep
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	fee, err := decimal.NewFromString(getEnv("SETTLEMENT_FEE", "100.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_FEE: %w", err)
	}

	riskDays, err := getEnvInt("DEFAULT_RISK_DAYS", 90)
	if err != nil {
		return nil, err
	}
	if riskDays <= 0 {
		return nil, fmt.Errorf("DEFAULT_RISK_DAYS must be positive, got %d", riskDays)
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		DBPath:          getEnv("DB_PATH", "loanledger.db"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		SettlementFee:   fee,
		DefaultRiskDays: riskDays,
		SweepSchedule:   getEnv("SWEEP_SCHEDULE", "0 6 * * *"),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
