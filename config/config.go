package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Instrument
	Symbol string // lowercase pair, e.g. "btcusdt"

	// Feed
	BinanceWSURL  string
	KlineInterval string

	// Aggregation
	WindowTicks int // ticks per candle (K)
	HistorySize int // finalized candles retained (N)

	// Wall-clock resampling (comma-separated seconds, e.g. "60,300")
	EnabledTFs string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	GatewayAddr   string

	SnapshotInterval time.Duration

	// Optional TOTP secret guarding admin endpoints
	AdminTOTPSecret string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Symbol: strings.ToLower(getEnv("SYMBOL", "btcusdt")),

		BinanceWSURL:  getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443/ws"),
		KlineInterval: getEnv("KLINE_INTERVAL", "1s"),

		WindowTicks: getEnvInt("WINDOW_TICKS", 5),
		HistorySize: getEnvInt("HISTORY_SIZE", 100),

		// Default TFs: 1m, 5m
		EnabledTFs: getEnv("ENABLED_TFS", "60,300"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/coinwatch.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		GatewayAddr:   getEnv("GATEWAY_ADDR", ":8080"),

		SnapshotInterval: time.Duration(getEnvInt("SNAPSHOT_INTERVAL_S", 30)) * time.Second,

		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),
	}
}

// ParseTFs parses the EnabledTFs string into a slice of timeframe durations in seconds.
func (c *Config) ParseTFs() []int {
	parts := strings.Split(c.EnabledTFs, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid TF value: %q", p)
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}
