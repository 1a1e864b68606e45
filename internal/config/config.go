package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Feed      FeedConfig
	Storage   StorageConfig
	Discovery DiscoveryConfig
	Logging   LoggingConfig
}

// ServerConfig holds the downstream HTTP/WebSocket server settings.
type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FeedConfig holds the upstream market-data stream settings.
type FeedConfig struct {
	URL            string
	AccessToken    string
	SubscribeMode  string
	ReconnectDelay time.Duration
	IngestBuffer   int
}

// StorageConfig holds journal, instrument table and snapshot cache settings.
type StorageConfig struct {
	JournalPath     string
	InstrumentsPath string
	RedisURL        string // empty disables the snapshot cache
}

// DiscoveryConfig holds the periodic symbol-discovery scan settings.
type DiscoveryConfig struct {
	Dir       string
	Pattern   string
	Interval  time.Duration
	RetryWait time.Duration
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string
	Output string
	MaxAge int // days, for rotated file output
}

// Load loads configuration from environment variables, preferring any .env
// files found in the usual locations.
func Load() (*Config, error) {
	envFiles := []string{
		"configs/production.env",
		"configs/streamer.env",
		".env",
	}

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				break
			}
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnvOrDefault("WS_PORT", "8080"),
			Host:         getEnvOrDefault("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationOrDefault("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationOrDefault("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationOrDefault("IDLE_TIMEOUT", 120*time.Second),
		},
		Feed: FeedConfig{
			URL:            getEnvOrDefault("FEED_URL", "wss://api.upstox.com/v3/feed/market-data-feed"),
			AccessToken:    getEnvOrDefault("FEED_ACCESS_TOKEN", ""),
			SubscribeMode:  getEnvOrDefault("FEED_SUBSCRIBE_MODE", "ltpc"),
			ReconnectDelay: getDurationOrDefault("FEED_RECONNECT_DELAY", 5*time.Second),
			IngestBuffer:   getIntOrDefault("FEED_INGEST_BUFFER", 1024),
		},
		Storage: StorageConfig{
			JournalPath:     getEnvOrDefault("JOURNAL_PATH", "data/ticks.jsonl"),
			InstrumentsPath: getEnvOrDefault("INSTRUMENTS_PATH", "instruments.csv"),
			RedisURL:        getEnvOrDefault("REDIS_URL", ""),
		},
		Discovery: DiscoveryConfig{
			Dir:       getEnvOrDefault("SCAN_DIR", "."),
			Pattern:   getEnvOrDefault("SCAN_PATTERN", "BBSCAN_FIRED_*.csv"),
			Interval:  getDurationOrDefault("SCAN_INTERVAL", 120*time.Second),
			RetryWait: getDurationOrDefault("SCAN_RETRY_WAIT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
			Output: getEnvOrDefault("LOG_OUTPUT", "stdout"),
			MaxAge: getIntOrDefault("LOG_MAX_AGE", 28),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Feed.URL == "" {
		return fmt.Errorf("feed URL is required")
	}

	if c.Feed.SubscribeMode == "" {
		return fmt.Errorf("feed subscribe mode is required")
	}

	if c.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed reconnect delay must be positive")
	}

	if c.Feed.IngestBuffer <= 0 {
		return fmt.Errorf("feed ingest buffer must be positive")
	}

	if c.Storage.JournalPath == "" {
		return fmt.Errorf("journal path is required")
	}

	if c.Storage.InstrumentsPath == "" {
		return fmt.Errorf("instruments path is required")
	}

	if c.Discovery.Interval <= 0 || c.Discovery.RetryWait <= 0 {
		return fmt.Errorf("discovery intervals must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
