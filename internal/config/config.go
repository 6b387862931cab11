// Package config loads engine configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Backend selects the store implementation: "postgres" or "sqlite".
	Backend string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	SQLitePath string

	Workers     int
	LockWaitMs  int
	MetricsPort int
}

// Load reads the .env file (when present) and returns a populated Config.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		Backend: getEnv("STORAGE_BACKEND", "sqlite"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "scraper"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "car_scraping"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		SQLitePath: getEnv("SQLITE_PATH", "./car_scraping.db"),

		Workers:     getEnvInt("INGEST_WORKERS", 4),
		LockWaitMs:  getEnvInt("LOCK_WAIT_MS", 5000),
		MetricsPort: getEnvInt("METRICS_PORT", 0),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}
