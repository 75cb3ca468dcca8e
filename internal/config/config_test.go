package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, Development, cfg.Environment)
	assert.Equal(t, 5*time.Second, cfg.Sync.ConflictWindow.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.DebounceInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.Sync.BatchTimeout.Std())
	assert.Equal(t, "last-write-wins", cfg.Sync.DefaultStrategy)
	assert.Equal(t, "1. ", cfg.Sync.PlaceholderPrefixes["ordered-list"])
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoadFile_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
sync:
  debounce_interval: 250ms
  conflict_window: 10s
  default_strategy: field-merge
storage:
  backend: dynamodb
  table_name: nodes-prod
server:
  addr: ":9090"
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, Production, cfg.Environment)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.DebounceInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.Sync.ConflictWindow.Std())
	assert.Equal(t, "field-merge", cfg.Sync.DefaultStrategy)
	assert.Equal(t, "dynamodb", cfg.Storage.Backend)
	assert.Equal(t, "nodes-prod", cfg.Storage.TableName)
	assert.Equal(t, ":9090", cfg.Server.Addr)

	// Untouched fields keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Sync.BatchTimeout.Std())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STORAGE_BACKEND", "dynamodb")
	t.Setenv("TABLE_NAME", "treedoc-prod")
	t.Setenv("DEBOUNCE_INTERVAL", "100ms")
	t.Setenv("MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Production, cfg.Environment)
	assert.Equal(t, "dynamodb", cfg.Storage.Backend)
	assert.Equal(t, "treedoc-prod", cfg.Storage.TableName)
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.DebounceInterval.Std())
	assert.Equal(t, 5, cfg.Storage.MaxRetries)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad environment", func(c *Config) { c.Environment = "staging" }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"bad strategy", func(c *Config) { c.Sync.DefaultStrategy = "coin-flip" }},
		{"zero conflict window", func(c *Config) { c.Sync.ConflictWindow = 0 }},
		{"zero batch timeout", func(c *Config) { c.Sync.BatchTimeout = 0 }},
		{"dynamodb without table", func(c *Config) {
			c.Storage.Backend = "dynamodb"
			c.Storage.TableName = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	var wrapper struct {
		Timeout Duration `yaml:"timeout"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 750ms\n"), &wrapper))
	assert.Equal(t, 750*time.Millisecond, wrapper.Timeout.Std())

	out, err := yaml.Marshal(wrapper)
	require.NoError(t, err)
	assert.Equal(t, "timeout: 750ms\n", string(out))
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
