// ABOUTME: Tests for configuration loading, defaults, validation, and live updates
// ABOUTME: Covers YAML parsing, env var expansion, and duration string handling

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 4, cfg.Txn.MaxSlots)
	assert.Equal(t, 3, cfg.Txn.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Store.BusyTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_PartialFile(t *testing.T) {
	path := writeConfig(t, `
cache:
  max_entries: 50
txn:
  max_slots: 1
  timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Cache.MaxEntries)
	assert.Equal(t, 1, cfg.Txn.MaxSlots)
	assert.Equal(t, 2*time.Second, cfg.Txn.Timeout)

	// Unspecified fields fall back to defaults
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 3, cfg.Txn.MaxRetries)
}

func TestLoad_DurationStrings(t *testing.T) {
	path := writeConfig(t, `
store:
  busy_timeout: 60s
  slow_query_threshold: 100ms
cache:
  default_ttl: 30s
  cleanup_interval: 10s
txn:
  retry_base_delay: 25ms
  retry_max_delay: 1s
  shutdown_grace: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Store.BusyTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Store.SlowQueryThreshold)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, 25*time.Millisecond, cfg.Txn.RetryBaseDelay)
	assert.Equal(t, time.Second, cfg.Txn.RetryMaxDelay)
	assert.Equal(t, 3*time.Second, cfg.Txn.ShutdownGrace)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
txn:
  timeout: banana
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "txn.timeout")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("IRONSTORE_TEST_DB", "/tmp/test-store.db")
	path := writeConfig(t, `
store:
  path: ${IRONSTORE_TEST_DB}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-store.db", cfg.Store.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero slots", func(c *Config) { c.Txn.MaxSlots = -1 }, "txn.max_slots"},
		{"negative retries", func(c *Config) { c.Txn.MaxRetries = -1 }, "txn.max_retries"},
		{"max below base", func(c *Config) { c.Txn.RetryMaxDelay = time.Millisecond }, "txn.retry_max_delay"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true }, "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestManager_Update(t *testing.T) {
	m := NewManager(Default())

	before := m.Get()
	err := m.Update(func(c *Config) { c.Cache.MaxEntries = 42 })
	require.NoError(t, err)

	assert.Equal(t, 42, m.Get().Cache.MaxEntries)
	// Old snapshot is untouched
	assert.Equal(t, 1000, before.Cache.MaxEntries)
}

func TestManager_UpdateRejectsInvalid(t *testing.T) {
	m := NewManager(Default())

	err := m.Update(func(c *Config) { c.Txn.MaxSlots = 0; c.Txn.MaxSlots = -5 })
	require.Error(t, err)

	// Snapshot unchanged after failed update
	assert.Equal(t, 4, m.Get().Txn.MaxSlots)
}
