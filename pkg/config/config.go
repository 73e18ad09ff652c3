package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the gateway.
type Config struct {
	BindAddr string
	DBURL    string

	// Webhook handling
	HTTPDeadline   time.Duration
	MaxBatchOrders int

	// Background timers. Prime/odd intervals are intentional so the
	// loops do not line up on top-of-minute boundaries.
	QueueRebalance time.Duration
	OpenOrderPoll  time.Duration
	PriceRefresh   time.Duration
	PnLRefresh     time.Duration
	CatalogRefresh string // "hourly:MM"

	// SSE
	SSEMaxQueue  int
	SSEHistory   int
	SSEHeartbeat time.Duration

	// Queue scheduler
	StopAllocationRatio float64

	// Failed order retry ceiling
	MaxRetry int

	// Exchange rate limiting
	RateLimitSafety float64

	// Exchange order-count caps file
	LimitsPath string

	// Auth / secrets
	JWTSecret string
	SecretKey string // hex-encoded 32-byte key for the secret store
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		BindAddr:            getEnv("BIND_ADDR", ":8080"),
		DBURL:               getEnv("DB_URL", "./data/tradegate.db"),
		HTTPDeadline:        time.Duration(getEnvInt("HTTP_DEADLINE_MS", 10000)) * time.Millisecond,
		MaxBatchOrders:      getEnvInt("MAX_BATCH_ORDERS", 30),
		QueueRebalance:      time.Duration(getEnvInt("QUEUE_REBALANCE_MS", 1000)) * time.Millisecond,
		OpenOrderPoll:       time.Duration(getEnvInt("OPEN_ORDER_POLL_S", 29)) * time.Second,
		PriceRefresh:        time.Duration(getEnvInt("PRICE_REFRESH_S", 31)) * time.Second,
		PnLRefresh:          time.Duration(getEnvInt("PNL_REFRESH_S", 307)) * time.Second,
		CatalogRefresh:      getEnv("CATALOG_REFRESH", "hourly:15"),
		SSEMaxQueue:         getEnvInt("SSE_MAX_QUEUE", 50),
		SSEHistory:          getEnvInt("SSE_HISTORY", 100),
		SSEHeartbeat:        time.Duration(getEnvInt("SSE_HEARTBEAT_S", 10)) * time.Second,
		StopAllocationRatio: getEnvFloat("STOP_ALLOCATION_RATIO", 0.25),
		MaxRetry:            getEnvInt("MAX_RETRY", 5),
		RateLimitSafety:     getEnvFloat("RATE_LIMIT_SAFETY", 0.55),
		LimitsPath:          getEnv("LIMITS_PATH", "./limits.yaml"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		SecretKey:           os.Getenv("SECRET_KEY"),
	}, nil
}

// CatalogRefreshMinute parses "hourly:MM" into a minute offset.
// Falls back to :15 on malformed input.
func (c *Config) CatalogRefreshMinute() int {
	parts := strings.SplitN(c.CatalogRefresh, ":", 2)
	if len(parts) != 2 {
		return 15
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 15
	}
	return m
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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
