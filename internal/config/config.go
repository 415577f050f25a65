package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile      string
	APIAddr     string
	BaseURL     string
	UploadsPath string

	// Transport tuning. Every timeout the sync layer uses is configurable
	// independently.
	MaxRetries        int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration
	OfflineRecheck    time.Duration

	// Lock protocol timing. Expiry must comfortably exceed the refresh
	// interval so a single missed refresh does not drop a held lock.
	LockRefreshInterval time.Duration
	LockExpiry          time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DBFile:      getEnv("SLIDESYNC_DB", "slidesync.db"),
		APIAddr:     getEnv("API_ADDR", ":4500"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:4500"),
		UploadsPath: getEnv("UPLOADS_PATH", "uploads"),

		MaxRetries:        getEnvInt("WS_MAX_RETRIES", 30),
		BaseRetryDelay:    getEnvDuration("WS_BASE_RETRY_DELAY", time.Second),
		MaxRetryDelay:     getEnvDuration("WS_MAX_RETRY_DELAY", 30*time.Second),
		ConnectionTimeout: getEnvDuration("WS_CONNECTION_TIMEOUT", 10*time.Second),
		HeartbeatInterval: getEnvDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		OfflineRecheck:    getEnvDuration("WS_OFFLINE_RECHECK", 5*time.Second),

		LockRefreshInterval: getEnvDuration("LOCK_REFRESH_INTERVAL", 15*time.Second),
		LockExpiry:          getEnvDuration("LOCK_EXPIRY", 35*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("WS_MAX_RETRIES must be greater than 0")
	}
	if c.BaseRetryDelay <= 0 || c.MaxRetryDelay < c.BaseRetryDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if c.LockExpiry <= c.LockRefreshInterval {
		return fmt.Errorf("LOCK_EXPIRY must be greater than LOCK_REFRESH_INTERVAL")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
