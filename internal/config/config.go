package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource  string
	RedisAddr string
	Port      string
	Env       string

	LockTimeout      time.Duration
	StatementTimeout time.Duration
	RetryMaxAttempts int
	RetryBackoffMin  time.Duration
	RetryBackoffMax  time.Duration
	IdempotencyTTL   time.Duration
	ProcessingLease  time.Duration
	BalanceCacheTTL  time.Duration
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:         dbSource,
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		Port:             getEnv("SERVER_PORT", "8080"),
		Env:              getEnv("ENVIRONMENT", "development"),
		LockTimeout:      getDuration("LOCK_TIMEOUT", 3*time.Second),
		StatementTimeout: getDuration("STATEMENT_TIMEOUT", 10*time.Second),
		RetryMaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBackoffMin:  getDuration("RETRY_BACKOFF_MIN", 25*time.Millisecond),
		RetryBackoffMax:  getDuration("RETRY_BACKOFF_MAX", 500*time.Millisecond),
		IdempotencyTTL:   getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		ProcessingLease:  getDuration("PROCESSING_LEASE", 30*time.Second),
		BalanceCacheTTL:  getDuration("BALANCE_CACHE_TTL", 30*time.Second),
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
