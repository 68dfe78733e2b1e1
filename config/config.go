// Package config loads daemon configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backend selectors.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config is the daemon's full configuration.
type Config struct {
	// Server
	HTTPAddr        string
	Env             string
	ShutdownTimeout time.Duration

	// Store
	Store         string
	FileStorePath string
	PostgresDSN   string
	TablePrefix   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Notifications
	NATSURL string

	// Retention
	Retention       time.Duration
	JanitorSchedule string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win over it.
func Load() *Config {
	godotenv.Load()
	return &Config{
		HTTPAddr:        getEnv("BATON_HTTP_ADDR", ":8080"),
		Env:             getEnv("BATON_ENV", "production"),
		ShutdownTimeout: getEnvDuration("BATON_SHUTDOWN_TIMEOUT", 10*time.Second),

		Store:         getEnv("BATON_STORE", StoreMemory),
		FileStorePath: getEnv("BATON_FILE_STORE_PATH", "./data"),
		PostgresDSN:   getEnv("BATON_POSTGRES_DSN", ""),
		TablePrefix:   getEnv("BATON_TABLE_PREFIX", "baton"),
		RedisAddr:     getEnv("BATON_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("BATON_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("BATON_REDIS_DB", 0),
		RedisPrefix:   getEnv("BATON_REDIS_PREFIX", "baton"),

		NATSURL: getEnv("BATON_NATS_URL", ""),

		Retention:       getEnvDuration("BATON_RETENTION", 7*24*time.Hour),
		JanitorSchedule: getEnv("BATON_JANITOR_SCHEDULE", "@every 1h"),
	}
}

// Development reports whether the daemon should run with
// development-grade logging.
func (c *Config) Development() bool { return c.Env == "development" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
