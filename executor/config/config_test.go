package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigFromViper_defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "visioner", cfg.Logger.ServiceName)
	assert.Equal(t, time.Second, cfg.Engine.DedupWindow)
	assert.Equal(t, 100, cfg.Engine.DefaultPriority)
	assert.Equal(t, "cel", cfg.Engine.PredicateBackend)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, ":26860", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Content.RefreshInterval)
	assert.Empty(t, cfg.Content.ServerURL)
}

func TestLoad_fileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visioner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  default_priority: 120
  predicate_backend: local
store:
  driver: sqlite
  path: /tmp/flags.db
`), 0o600))
	t.Setenv("VISIONER_SERVER_ADDR", ":9999")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Engine.DefaultPriority)
	assert.Equal(t, "local", cfg.Engine.PredicateBackend)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoad_missingExplicitFileFails(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative dedup window", func(c *Config) { c.Engine.DedupWindow = -time.Second }, "engine.dedup_window"},
		{"zero priority", func(c *Config) { c.Engine.DefaultPriority = 0 }, "engine.default_priority"},
		{"unknown backend", func(c *Config) { c.Engine.PredicateBackend = "lua" }, "engine.predicate_backend"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Driver, c.Store.Path = "sqlite", "" }, "store.path"},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"content without interval", func(c *Config) {
			c.Content.ServerURL, c.Content.RefreshInterval = "http://localhost:26861", 0
		}, "content.refresh_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
