package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the complete runtime configuration for the crawler.
type Config struct {
	Database  DatabaseConfig
	Fetch     FetchConfig
	Scheduler SchedulerConfig
}

// DatabaseConfig contains database-related configuration.
type DatabaseConfig struct {
	Path string
}

// FetchConfig contains HTTP fetcher configuration.
type FetchConfig struct {
	UserAgent         string
	Timeout           time.Duration
	MaxCurrentHops    int
	MaxRetries        int
	RetryInitialDelay time.Duration
}

// SchedulerConfig contains periodic-crawl configuration.
type SchedulerConfig struct {
	Interval         time.Duration
	Workers          int
	DefaultFeedCheck time.Duration
}

// LoadConfig loads configuration from environment variables, applying the
// same defaults-plus-override pattern used throughout this project.
func LoadConfig() (*Config, error) {
	config := &Config{
		Database: DatabaseConfig{
			Path: getEnvOrDefault("ARCHIVIST_DB_PATH", "./archivist.db"),
		},
		Fetch: FetchConfig{
			UserAgent:         getEnvOrDefault("ARCHIVIST_USER_AGENT", "archivist/1.0 (+https://example.invalid/archivist)"),
			Timeout:           getEnvAsDuration("ARCHIVIST_FETCH_TIMEOUT", 30*time.Second),
			MaxCurrentHops:    getEnvAsInt("ARCHIVIST_MAX_CURRENT_HOPS", 8),
			MaxRetries:        getEnvAsInt("ARCHIVIST_MAX_RETRIES", 3),
			RetryInitialDelay: getEnvAsDuration("ARCHIVIST_RETRY_INITIAL_DELAY", 500*time.Millisecond),
		},
		Scheduler: SchedulerConfig{
			Interval:         getEnvAsDuration("ARCHIVIST_SCHEDULER_INTERVAL", time.Minute),
			Workers:          getEnvAsInt("ARCHIVIST_SCHEDULER_WORKERS", 4),
			DefaultFeedCheck: getEnvAsDuration("ARCHIVIST_DEFAULT_FEED_CHECK", time.Hour),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	if c.Fetch.MaxCurrentHops <= 0 {
		return fmt.Errorf("max current-link hops must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler workers must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
