/*
Package config loads runtime configuration from the environment.

A .env file in the working directory is picked up if present (local
development); real deployments set the variables directly. Command-line
flags in cmd/server override whatever the environment provides.
*/
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            int
	DBPath          string
	LogLevel        string
	ShutdownTimeout time.Duration

	// AMQPURL enables the statistics publisher when non-empty.
	AMQPURL      string
	AMQPExchange string

	// FollowUpInterval is how often the scheduler scans for due tasks.
	FollowUpInterval time.Duration
	// ResendInterval is how often failed payment dispatches are retried.
	ResendInterval time.Duration
}

// Load reads configuration from the environment, falling back to
// development defaults.
func Load() Config {
	godotenv.Load()

	return Config{
		Port:             getEnvInt("PORT", 8080),
		DBPath:           getEnvString("DB_PATH", "benefit.db"),
		LogLevel:         getEnvString("LOG_LEVEL", "info"),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		AMQPURL:          getEnvString("AMQP_URL", ""),
		AMQPExchange:     getEnvString("AMQP_EXCHANGE", "benefit.statistics"),
		FollowUpInterval: getEnvDuration("FOLLOWUP_INTERVAL", time.Hour),
		ResendInterval:   getEnvDuration("RESEND_INTERVAL", 15*time.Minute),
	}
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
