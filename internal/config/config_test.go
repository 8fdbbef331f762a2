package config_test

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/config"
)

func TestLoad_AppliesDefaultsWhenEnvUnset(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost:5432/elspeth?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, 10, cfg.DBMaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.DBIdleTimeout)
	assert.Equal(t, "every_n", cfg.CheckpointMode)
	assert.Equal(t, 100, cfg.CheckpointN)
	assert.True(t, cfg.RetentionEnabled)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("ELSPETH_DATABASE_URL", "postgres://db:5432/elspeth")
	t.Setenv("ELSPETH_DB_MAX_CONNECTIONS", "25")
	t.Setenv("ELSPETH_DB_IDLE_TIMEOUT", "90s")
	t.Setenv("ELSPETH_CHECKPOINT_MODE", "every_row")
	t.Setenv("ELSPETH_RETENTION_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db:5432/elspeth", cfg.DatabaseURL)
	assert.Equal(t, 25, cfg.DBMaxConnections)
	assert.Equal(t, 90*time.Second, cfg.DBIdleTimeout)
	assert.Equal(t, "every_row", cfg.CheckpointMode)
	assert.False(t, cfg.RetentionEnabled)
}

func TestLoad_MalformedIntEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("ELSPETH_DB_MAX_CONNECTIONS", "not-a-number")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.DBMaxConnections)
}

func TestValidate_RejectsEmptyDatabaseURL(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "", CheckpointMode: "every_row"}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownCheckpointMode(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://x", CheckpointMode: "sometimes"}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveCheckpointNWhenModeIsEveryN(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://x", CheckpointMode: "every_n", CheckpointN: 0}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeRetentionDays(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://x", CheckpointMode: "every_row", RetentionDays: -1}
	assert.Error(t, cfg.Validate())
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://x", CheckpointMode: "every_n", CheckpointN: 50, RetentionDays: 30}
	assert.NoError(t, cfg.Validate())
}

func TestBindFlags_FlagOverridesLoadedValue(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--checkpoint-mode=every_row", "--retention-days=7"}))

	assert.Equal(t, "every_row", cfg.CheckpointMode)
	assert.Equal(t, 7, cfg.RetentionDays)
}

func TestBindFlags_UnsetFlagsLeaveLoadedDefaultsIntact(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	originalHTTPAddr := cfg.HTTPAddr

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse(nil))

	assert.Equal(t, originalHTTPAddr, cfg.HTTPAddr)
}
