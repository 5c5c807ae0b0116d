// Package config populates the gateway's settings from the
// environment, in the teacher's style: github.com/joho/godotenv loads
// a .env file if present, then every field falls back to a default
// via getEnv/getEnvAsInt/getEnvAsSlice, matching backend/config/config.go.
// Trimmed to the gateway's own dependency graph — the teacher's
// JWT/Admin/Broker/LP/CORS/Encryption/FIX/Compliance settings existed
// for a trading monolith's authenticated surfaces, which spec.md §1
// places out of scope for this repo.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the gateway's process-wide configuration.
type Config struct {
	// Bind is the address the HTTP/WS surface listens on.
	Bind string

	// Environment is a free-form deployment tag used in log fields.
	Environment string

	// Venues is the set of venue ids to construct adapters for, e.g.
	// "binance,bybit". Each must have a registered adapter
	// constructor in backend/app.
	Venues []string

	// DefaultDepth is the order-book depth requested when a client
	// subscribes to a ChannelOrderBook channel without an explicit Depth.
	DefaultDepth int

	LogLevel string

	Redis RedisConfig

	Postgres PostgresConfig

	// RESTTimeout bounds calls to a venue's REST symbol-catalog endpoint.
	RESTTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	DSN string
}

// Load reads configuration from the environment, loading a .env file
// first if one is present in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Bind:         getEnv("BIND_ADDR", ":8080"),
		Environment:  getEnv("ENVIRONMENT", "development"),
		Venues:       getEnvAsSlice("VENUES", []string{"binance", "bybit"}, ","),
		DefaultDepth: getEnvAsInt("DEFAULT_DEPTH", 20),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", ""),
		},

		RESTTimeout: time.Duration(getEnvAsInt("REST_TIMEOUT_SECONDS", 10)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings that must hold for the gateway to
// start at all.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("VENUES must name at least one venue")
	}
	if c.DefaultDepth <= 0 {
		return fmt.Errorf("DEFAULT_DEPTH must be positive, got %d", c.DefaultDepth)
	}
	return nil
}

func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	return strings.Split(valueStr, sep)
}
