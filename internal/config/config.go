package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	ApiPort    string
	ApiEnabled string

	// Billing engine tunables. Injected at construction; never read from
	// ambient globals by the schedulers or the ledger.
	BillingInterval  time.Duration
	GraceSweep       time.Duration
	FinalizeInterval time.Duration
	PayoutInterval   time.Duration
	GraceWindow      time.Duration
	BatchSize        int

	// ProviderShare is the fraction of a gift credited to the reader
	// (the remainder is the platform commission).
	ProviderShare decimal.Decimal
	PayoutMinimum decimal.Decimal

	TokenAppID       string
	TokenCertificate string
	TokenTTL         time.Duration

	PayoutRailURL     string
	PayoutRailTimeout time.Duration
}

// New loads and validates configuration from environment variables.
// The HTTP API is optional: if SEERPAY_API_ENABLED != "true", ApiAddr()
// returns an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("SEERPAY_POSTGRES_USER"),
		DBPass:  os.Getenv("SEERPAY_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("SEERPAY_POSTGRES_HOST"),
		DBPort:  os.Getenv("SEERPAY_POSTGRES_PORT"),
		DBName:  os.Getenv("SEERPAY_POSTGRES_DB"),
		SSLMode: os.Getenv("SEERPAY_POSTGRES_SSLMODE"),

		RedisHost: os.Getenv("SEERPAY_REDIS_HOST"),
		RedisPort: os.Getenv("SEERPAY_REDIS_PORT"),
		NatsHost:  os.Getenv("SEERPAY_NATS_HOST"),
		NatsPort:  os.Getenv("SEERPAY_NATS_PORT"),

		ApiPort:    os.Getenv("SEERPAY_API_PORT"),
		ApiEnabled: os.Getenv("SEERPAY_API_ENABLED"),

		BillingInterval:  getEnvDuration("SEERPAY_BILLING_INTERVAL", time.Minute),
		GraceSweep:       getEnvDuration("SEERPAY_GRACE_SWEEP_INTERVAL", 30*time.Second),
		FinalizeInterval: getEnvDuration("SEERPAY_FINALIZE_INTERVAL", 5*time.Minute),
		PayoutInterval:   getEnvDuration("SEERPAY_PAYOUT_INTERVAL", 24*time.Hour),
		GraceWindow:      getEnvDuration("SEERPAY_GRACE_WINDOW", 5*time.Minute),
		BatchSize:        getEnvInt("SEERPAY_BATCH_SIZE", 500),

		ProviderShare: getEnvDecimal("SEERPAY_PROVIDER_SHARE", "0.70"),
		PayoutMinimum: getEnvDecimal("SEERPAY_PAYOUT_MINIMUM", "15.00"),

		TokenAppID:       os.Getenv("SEERPAY_TOKEN_APP_ID"),
		TokenCertificate: os.Getenv("SEERPAY_TOKEN_CERTIFICATE"),
		TokenTTL:         getEnvDuration("SEERPAY_TOKEN_TTL", 20*time.Minute),

		PayoutRailURL:     os.Getenv("SEERPAY_PAYOUT_RAIL_URL"),
		PayoutRailTimeout: getEnvDuration("SEERPAY_PAYOUT_RAIL_TIMEOUT", 15*time.Second),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: SEERPAY_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: SEERPAY_REDIS_HOST/PORT")
	}

	// Required: nats (event bus + finalization queue)
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: SEERPAY_NATS_HOST/PORT")
	}

	// Required: realtime token signing material
	if cfg.TokenAppID == "" || cfg.TokenCertificate == "" {
		return nil, fmt.Errorf("missing required env: SEERPAY_TOKEN_APP_ID/CERTIFICATE")
	}

	if cfg.ProviderShare.IsNegative() || cfg.ProviderShare.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("SEERPAY_PROVIDER_SHARE must be in [0, 1], got %s", cfg.ProviderShare)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("SEERPAY_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if SEERPAY_API_ENABLED != "true"; callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("SEERPAY_API_PORT is required when SEERPAY_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (SEERPAY_API_ENABLED != true)")
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvDecimal(key, defaultVal string) decimal.Decimal {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		d, _ = decimal.NewFromString(defaultVal)
	}
	return d
}
