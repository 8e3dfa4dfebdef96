// Package config loads receiver configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds everything the receiver needs at startup. All fields are
// immutable after FromEnv returns.
type Config struct {
	ConvexSiteURL       string
	CaptureSharedSecret string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	Port      int
	SentryDSN string
	Debug     bool

	FlushWorkers  int
	BatchMaxSize  int
	FlushInterval time.Duration

	EndpointCacheTTL time.Duration
	QuotaCacheTTL    time.Duration

	// ClickHouse is optional; search stays disabled when Addr is empty.
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
}

// FromEnv reads configuration from environment variables, applying defaults
// for everything except CONVEX_SITE_URL and CAPTURE_SHARED_SECRET.
func FromEnv() (*Config, error) {
	convexSiteURL := os.Getenv("CONVEX_SITE_URL")
	if convexSiteURL == "" {
		return nil, fmt.Errorf("CONVEX_SITE_URL environment variable is required")
	}
	if _, err := url.Parse(convexSiteURL); err != nil {
		return nil, fmt.Errorf("CONVEX_SITE_URL is not a valid URL: %w", err)
	}

	secret := os.Getenv("CAPTURE_SHARED_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("CAPTURE_SHARED_SECRET environment variable is required")
	}

	cfg := &Config{
		ConvexSiteURL:       convexSiteURL,
		CaptureSharedSecret: secret,

		RedisHost:     envString("REDIS_HOST", "127.0.0.1"),
		RedisPort:     envInt("REDIS_PORT", 6380),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		Port:      envInt("PORT", 3001),
		SentryDSN: os.Getenv("SENTRY_DSN"),
		Debug:     os.Getenv("RECEIVER_DEBUG") != "",

		FlushWorkers:  envInt("FLUSH_WORKERS", 4),
		BatchMaxSize:  envInt("BATCH_MAX_SIZE", 50),
		FlushInterval: time.Duration(envInt("FLUSH_INTERVAL_MS", 100)) * time.Millisecond,

		EndpointCacheTTL: time.Duration(envInt("ENDPOINT_CACHE_TTL_SECS", 60)) * time.Second,
		QuotaCacheTTL:    time.Duration(envInt("QUOTA_CACHE_TTL_SECS", 30)) * time.Second,

		ClickHouseAddr:     os.Getenv("CLICKHOUSE_ADDR"),
		ClickHouseDatabase: envString("CLICKHOUSE_DATABASE", "webhooks"),
		ClickHouseUser:     envString("CLICKHOUSE_USER", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
	}

	return cfg, nil
}

// RedisAddr returns the host:port pair for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// SearchEnabled reports whether the ClickHouse read layer is configured.
func (c *Config) SearchEnabled() bool {
	return c.ClickHouseAddr != ""
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
