package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FatalError marks configuration problems that must prevent the process from
// starting a single cycle (bad credentials, empty tradable set). main exits
// with a distinct code when it sees one.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return "fatal config: " + e.Reason
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Config holds environment-driven settings for the orchestration core.
type Config struct {
	Port      string
	JWTSecret string
	// OperatorKey is exchanged for a JWT at /api/auth/token.
	OperatorKey string

	// Exchange connection
	ExchangeBaseURL   string
	ExchangeWSURL     string
	ExchangeAPIKey    string
	ExchangeAPISecret string
	WalletAddress     string
	Testnet           bool

	// Execution
	DryRun bool

	// Orchestration
	RolesPath     string
	CycleInterval time.Duration
	SettleTimeout time.Duration

	// Gateway retry/backoff
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	SubmitTimeout    time.Duration

	// Outbound rate limit
	RequestsPerMinute int
	RequestBurst      int

	// Risk limits
	Instruments         []string
	MaxPositionSize     float64
	MaxNotionalExposure float64
	MaxOpenOrders       int
	MaxOrderFraction    float64

	// Reconciliation sweep
	ReconcileInterval time.Duration
	ReconcileAutoSync bool

	// Database
	DBPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		OperatorKey:         os.Getenv("OPERATOR_KEY"),
		ExchangeBaseURL:     getEnv("HL_API_URL", "https://api.hyperliquid.xyz"),
		ExchangeWSURL:       getEnv("HL_WS_URL", "wss://api.hyperliquid.xyz/ws"),
		ExchangeAPIKey:      os.Getenv("HL_API_KEY"),
		ExchangeAPISecret:   os.Getenv("HL_SECRET_KEY"),
		WalletAddress:       os.Getenv("HL_ACCOUNT_ADDRESS"),
		Testnet:             getEnv("HL_TESTNET", "true") == "true",
		DryRun:              getEnv("DRY_RUN", "true") == "true",
		RolesPath:           getEnv("ROLES_PATH", "roles.yaml"),
		CycleInterval:       getEnvDuration("CYCLE_INTERVAL", 60*time.Second),
		SettleTimeout:       getEnvDuration("SETTLE_TIMEOUT", 5*time.Second),
		RetryMaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 4),
		RetryBaseDelay:      getEnvDuration("RETRY_BASE_DELAY", 250*time.Millisecond),
		SubmitTimeout:       getEnvDuration("SUBMIT_TIMEOUT", 10*time.Second),
		RequestsPerMinute:   getEnvInt("REQUESTS_PER_MINUTE", 600),
		RequestBurst:        getEnvInt("REQUEST_BURST", 10),
		Instruments:         splitAndTrim(getEnv("INSTRUMENTS", "HYPE,BTC,ETH")),
		MaxPositionSize:     getEnvFloat("MAX_POSITION_SIZE", 5.0),
		MaxNotionalExposure: getEnvFloat("MAX_NOTIONAL_EXPOSURE", 50000.0),
		MaxOpenOrders:       getEnvInt("MAX_OPEN_ORDERS", 4),
		MaxOrderFraction:    getEnvFloat("MAX_ORDER_FRACTION", 0.5),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileAutoSync:   getEnv("RECONCILE_AUTO_SYNC", "true") == "true",
		DBPath:              getEnv("DB_PATH", "./data/mts.db"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process must not trade with.
func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return &FatalError{Reason: "tradable instrument set is empty"}
	}
	if c.MaxPositionSize <= 0 {
		return &FatalError{Reason: "MAX_POSITION_SIZE must be > 0"}
	}
	if c.MaxOrderFraction <= 0 || c.MaxOrderFraction > 1 {
		return &FatalError{Reason: fmt.Sprintf("MAX_ORDER_FRACTION must be in (0,1], got %v", c.MaxOrderFraction)}
	}
	if c.RetryMaxAttempts < 1 {
		return &FatalError{Reason: "RETRY_MAX_ATTEMPTS must be >= 1"}
	}
	if !c.DryRun {
		if c.ExchangeAPIKey == "" || c.ExchangeAPISecret == "" {
			return &FatalError{Reason: "HL_API_KEY and HL_SECRET_KEY are required for live trading"}
		}
		if c.WalletAddress == "" {
			return &FatalError{Reason: "HL_ACCOUNT_ADDRESS is required for live trading"}
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
