// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"schoollib/internal/policy"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	DatabaseURL       string
	Store             string
	Port              string
	Env               string
	DefaultTermDays   int
	OperationTimeout  time.Duration
	LockTimeout       time.Duration
	LockPoolSize      int
	ApproveRatePerMin int
	OTLPEndpoint      string
	ReconcileSchedule string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Store:             getEnv("STORE", StorePostgres),
		Port:              getEnv("PORT", "8082"),
		Env:               getEnv("ENVIRONMENT", "development"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "0 0 * * *"),
	}

	var err error
	if cfg.DefaultTermDays, err = getInt("DEFAULT_LOAN_TERM_DAYS", policy.DefaultTermDays); err != nil {
		return nil, err
	}
	if _, err := policy.ResolveTerm(cfg.DefaultTermDays); err != nil || cfg.DefaultTermDays == 0 {
		return nil, fmt.Errorf("DEFAULT_LOAN_TERM_DAYS must be between 1 and %d", policy.MaxTermDays)
	}
	if cfg.LockPoolSize, err = getInt("LOCK_POOL_SIZE", 32); err != nil {
		return nil, err
	}
	if cfg.LockPoolSize < 1 {
		return nil, fmt.Errorf("LOCK_POOL_SIZE must be positive")
	}
	if cfg.ApproveRatePerMin, err = getInt("APPROVE_RATE_PER_MINUTE", 60); err != nil {
		return nil, err
	}
	if cfg.OperationTimeout, err = getDuration("OPERATION_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Store)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}
