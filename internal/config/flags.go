package config

import (
	"github.com/spf13/pflag"
)

// BindFlags registers pflag overrides for every setting Load populates
// from the environment, following the CLI-overrides-env convention
// cmd/elspethd's subcommands use: flags win when both are set because
// pflag.Parse runs after Load and assigns directly into cfg's fields.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres connection string for the audit database")
	fs.IntVar(&c.DBMaxConnections, "db-max-connections", c.DBMaxConnections, "Maximum open database connections")
	fs.DurationVar(&c.DBIdleTimeout, "db-idle-timeout", c.DBIdleTimeout, "Idle timeout for pooled database connections")
	fs.StringVar(&c.PayloadStorePath, "payload-store-path", c.PayloadStorePath, "Filesystem root for content-addressed payload blobs")
	fs.IntVar(&c.PayloadInlineMax, "payload-inline-max", c.PayloadInlineMax, "Maximum canonical-JSON byte size stored inline instead of blobbed")
	fs.StringVar(&c.RedisCacheURL, "redis-url", c.RedisCacheURL, "Optional Redis URL for the payload read-through cache")
	fs.IntVar(&c.RetentionDays, "retention-days", c.RetentionDays, "Days a payload ref is kept before it becomes purge-eligible")
	fs.StringVar(&c.RetentionSchedule, "retention-schedule", c.RetentionSchedule, "Cron expression for the retention purge worker")
	fs.BoolVar(&c.RetentionEnabled, "retention-enabled", c.RetentionEnabled, "Whether to start the scheduled retention worker")
	fs.StringVar(&c.CheckpointMode, "checkpoint-mode", c.CheckpointMode, "every_row | every_n | aggregation_only")
	fs.IntVar(&c.CheckpointN, "checkpoint-n", c.CheckpointN, "Row interval between checkpoints when checkpoint-mode is every_n")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "Listen address for the progress/admin HTTP surface")
	fs.BoolVar(&c.MetricsEnabled, "metrics-enabled", c.MetricsEnabled, "Whether to expose /metrics")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug | info | warn | error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json | text")
	fs.StringVar(&c.PipelineConfigPath, "pipeline-config", c.PipelineConfigPath, "Path to the pipeline graph/plugin configuration file")
}
