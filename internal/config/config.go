package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Providers ProviderConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	CORS      CORSConfig
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Port string
	Host string
	Addr string // Combined host:port for convenience
}

// DatabaseConfig holds database-specific configuration.
type DatabaseConfig struct {
	URL string
}

// ProviderConfig holds market-data provider credentials. An empty key
// disables the corresponding adapter.
type ProviderConfig struct {
	PolygonAPIKey              string
	AlphaVantageAPIKey         string
	AlphaVantageRequestsPerMin int
	AlphaVantageDebug          bool
}

// RedisConfig holds the optional key-value cache configuration. When
// Enabled is false all cache operations are no-ops.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	DB       int
	Password string
}

// SchedulerConfig holds background-job scheduling configuration. Times are
// HH:MM in US/Eastern.
type SchedulerConfig struct {
	Enabled               bool
	PriceUpdateFrequency  int // minutes
	MetricsUpdateTime     string
	HistoryUpdateTime     string
	PortfolioSnapshotTime string
}

// CORSConfig holds CORS-specific configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Load reads configuration from environment variables and .env file.
// DATABASE_URL is required; everything else has defaults or degrades by
// disabling the corresponding component.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "5001"),
			Host: getEnv("SERVER_HOST", "localhost"),
		},
		Database: DatabaseConfig{
			URL: dbURL,
		},
		Providers: ProviderConfig{
			PolygonAPIKey:              os.Getenv("POLYGON_API_KEY"),
			AlphaVantageAPIKey:         os.Getenv("ALPHA_VANTAGE_API_KEY"),
			AlphaVantageRequestsPerMin: getEnvInt("ALPHAVANTAGE_REQUESTS_PER_MINUTE", 75),
			AlphaVantageDebug:          getEnvBool("ALPHAVANTAGE_DEBUG", false),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			DB:       getEnvInt("REDIS_DB", 0),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Scheduler: SchedulerConfig{
			Enabled:               getEnvBool("SCHEDULER_ENABLED", true),
			PriceUpdateFrequency:  getEnvInt("PRICE_UPDATE_FREQUENCY", 15),
			MetricsUpdateTime:     getEnv("METRICS_UPDATE_TIME", "02:00"),
			HistoryUpdateTime:     getEnv("HISTORY_UPDATE_TIME", "03:00"),
			PortfolioSnapshotTime: getEnv("PORTFOLIO_SNAPSHOT_TIME", "04:00"),
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost",
			},
		},
	}

	// Combine host and port
	config.Server.Addr = fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)

	return config, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool parses a boolean environment variable. Accepts 1/true/yes in
// any case.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// getEnvInt parses an integer environment variable, falling back to the
// default on absence or parse failure.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
