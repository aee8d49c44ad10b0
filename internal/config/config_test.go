package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestDefaults loads the built-in defaults without a config file.
func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3.0, cfg.Analysis.AnomalyThreshold)
	assert.Equal(t, 3, cfg.Analysis.MinPatternCount)
	assert.Equal(t, 3, cfg.Analysis.Clusters)
	assert.Equal(t, 100, cfg.Analysis.MaxIterations)
	assert.Zero(t, cfg.Analysis.Seed)
	assert.True(t, cfg.Ingest.NormalizeLevels)
	assert.True(t, cfg.Masking.Enabled)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, ":8080", cfg.API.ListenAddr)
	assert.False(t, cfg.API.Auth.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
	assert.Equal(t, "kiroku", cfg.Metrics.Namespace)
}

// TestLoadFromFile overrides defaults with file values.
func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
analysis:
  anomaly_threshold: 2.5
  clusters: 5
api:
  listen_addr: ":9999"
  auth:
    enabled: true
    secret: s3cret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2.5, cfg.Analysis.AnomalyThreshold)
	assert.Equal(t, 5, cfg.Analysis.Clusters)
	assert.Equal(t, ":9999", cfg.API.ListenAddr)
	assert.True(t, cfg.API.Auth.Enabled)
	assert.Equal(t, "s3cret", cfg.API.Auth.Secret)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Analysis.MinPatternCount)
	assert.Equal(t, "kiroku", cfg.Metrics.Namespace)
}

// TestLoadMissingFile fails when the named file does not exist.
func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestEnvOverride reads KIROKU_-prefixed environment variables.
func TestEnvOverride(t *testing.T) {
	t.Setenv("KIROKU_API_LISTEN_ADDR", ":7070")
	t.Setenv("KIROKU_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.API.ListenAddr)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

// TestValidateRejectsBadValues exercises the validation rules.
func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad module level", func(c *Config) { c.Logging.ModuleLevels = map[string]string{"storage": "loud"} }},
		{"zero threshold", func(c *Config) { c.Analysis.AnomalyThreshold = 0 }},
		{"zero clusters", func(c *Config) { c.Analysis.Clusters = 0 }},
		{"zero iterations", func(c *Config) { c.Analysis.MaxIterations = 0 }},
		{"bad driver", func(c *Config) { c.Storage.Enabled = true; c.Storage.Driver = "oracle" }},
		{"auth without secret", func(c *Config) { c.API.Auth.Enabled = true; c.API.Auth.Secret = "" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

// TestWatcherReload delivers the parsed config after a file change.
func TestWatcherReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	w, err := NewConfigWatcher(zap.NewNop(), path)
	require.NoError(t, err)
	w.SetDebounce(50 * time.Millisecond)

	got := make(chan *Config, 1)
	require.NoError(t, w.Start(func(c *Config) {
		select {
		case got <- c:
		default:
		}
	}))
	defer w.Stop()
	assert.True(t, w.IsRunning())

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
