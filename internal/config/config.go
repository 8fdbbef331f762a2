// Package config loads elspethd's settings from environment variables,
// with command-line flags (internal/config.BindFlags) able to override
// them, following the env-first/flag-override pattern the teacher's
// infrastructure/config.EnvOrSecret and internal/config.Config establish.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting elspethd needs to run a pipeline.
type Config struct {
	// Database
	DatabaseURL      string
	DBMaxConnections int
	DBIdleTimeout    time.Duration

	// Payload store
	PayloadStorePath string
	PayloadInlineMax int
	RedisCacheURL    string // empty disables the Redis read-through cache

	// Retention
	RetentionDays      int
	RetentionSchedule  string // cron expression
	RetentionEnabled   bool

	// Checkpointing
	CheckpointMode string // every_row | every_n | aggregation_only
	CheckpointN    int

	// HTTP surface
	HTTPAddr       string
	MetricsEnabled bool

	// Logging
	LogLevel  string
	LogFormat string

	// Pipeline
	PipelineConfigPath string
}

// Load reads configuration from environment variables, applying the
// defaults below for anything unset. It does not read command-line
// flags; callers that want flag overrides call BindFlags on the result
// before flag.Parse/pflag.Parse runs.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        getEnv("ELSPETH_DATABASE_URL", "postgres://localhost:5432/elspeth?sslmode=disable"),
		DBMaxConnections:   getEnvInt("ELSPETH_DB_MAX_CONNECTIONS", 10),
		DBIdleTimeout:      getEnvDuration("ELSPETH_DB_IDLE_TIMEOUT", 5*time.Minute),
		PayloadStorePath:   getEnv("ELSPETH_PAYLOAD_STORE_PATH", "./data/payloads"),
		PayloadInlineMax:   getEnvInt("ELSPETH_PAYLOAD_INLINE_MAX", 4096),
		RedisCacheURL:      getEnv("ELSPETH_REDIS_URL", ""),
		RetentionDays:      getEnvInt("ELSPETH_RETENTION_DAYS", 30),
		RetentionSchedule:  getEnv("ELSPETH_RETENTION_SCHEDULE", "0 3 * * *"),
		RetentionEnabled:   getEnvBool("ELSPETH_RETENTION_ENABLED", true),
		CheckpointMode:     getEnv("ELSPETH_CHECKPOINT_MODE", "every_n"),
		CheckpointN:        getEnvInt("ELSPETH_CHECKPOINT_N", 100),
		HTTPAddr:           getEnv("ELSPETH_HTTP_ADDR", ":8080"),
		MetricsEnabled:     getEnvBool("ELSPETH_METRICS_ENABLED", true),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		PipelineConfigPath: getEnv("ELSPETH_PIPELINE_CONFIG", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings that would fail loudly and confusingly deeper
// in startup rather than here at the boundary.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("ELSPETH_DATABASE_URL is required")
	}
	switch c.CheckpointMode {
	case "every_row", "every_n", "aggregation_only":
	default:
		return fmt.Errorf("invalid ELSPETH_CHECKPOINT_MODE: %q", c.CheckpointMode)
	}
	if c.CheckpointMode == "every_n" && c.CheckpointN <= 0 {
		return fmt.Errorf("ELSPETH_CHECKPOINT_N must be positive when mode is every_n")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("ELSPETH_RETENTION_DAYS must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return defaultValue
	}
	return v == "true" || v == "1" || v == "yes" || v == "y"
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}
