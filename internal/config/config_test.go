package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 1024, cfg.Optimizer.DefaultShots)
	assert.Equal(t, 3, cfg.Backend.RetryMaxAttempts)
	assert.Equal(t, "excludeFailedNodes", cfg.Batch.Policy)
	assert.Equal(t, 30*24*time.Hour, cfg.RunRetention)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("STALL_TOLERANCE", "0.01")
	t.Setenv("REMOTE_TIMEOUT", "2s")
	t.Setenv("BATCH_POLICY", "failBatchOnAnyFailure")
	t.Setenv("SIMULATOR_SEED", "42")
	t.Setenv("MAX_ITERATIONS", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 0.01, cfg.Optimizer.StallTolerance)
	assert.Equal(t, 2*time.Second, cfg.Backend.RemoteTimeout)
	assert.Equal(t, "failBatchOnAnyFailure", cfg.Batch.Policy)
	assert.Equal(t, uint64(42), cfg.Backend.SimulatorSeed)
	assert.Equal(t, 100, cfg.Optimizer.MaxIterations, "invalid values fall back to the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero shots", func(c *Config) { c.Optimizer.DefaultShots = 0 }},
		{"zero iterations", func(c *Config) { c.Optimizer.MaxIterations = 0 }},
		{"zero retry attempts", func(c *Config) { c.Backend.RetryMaxAttempts = 0 }},
		{"unknown policy", func(c *Config) { c.Batch.Policy = "majority" }},
		{"unknown driver", func(c *Config) { c.DBDriver = "postgres" }},
		{"readout error above one", func(c *Config) { c.Backend.ReadoutError = 1.5 }},
		{"backup without bucket", func(c *Config) { c.Backup.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, domain.ErrConfiguration), "got %v", err)
		})
	}
}

func TestLoad_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv("QLOOP_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.DirExists(t, dir)
}
