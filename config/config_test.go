package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/synckit"
)

const sampleYAML = `
engine:
  max_retries: 5
  retry_delay: 500ms
  sync_interval: 1m
logging:
  level: debug
  format: text
network:
  probe_url: https://api.example.com/health
  probe_interval: 15s
journal:
  path: /var/lib/syncd/journal.db
  retention: 48h
server:
  addr: 127.0.0.1:9090
remote:
  base_url: https://api.example.com/v1/resources
  headers:
    X-Api-Key: secret
conflicts:
  default: server_wins
  rules:
    - name: carts
      conditions:
        prefixes: ["cart_"]
      strategy: merge
`

func TestLoadFromBytes(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.RetryDelay)
	assert.Equal(t, time.Minute, cfg.Engine.SyncInterval)
	// Unset keys keep their defaults.
	assert.Equal(t, synckit.DefaultMaxConflictAttempts, cfg.Engine.MaxConflictAttempts)
	assert.Equal(t, "PUT", cfg.Remote.Method)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 15*time.Second, cfg.Network.ProbeInterval)
	assert.Equal(t, 48*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, map[string]string{"X-Api-Key": "secret"}, cfg.Remote.Headers)

	require.Len(t, cfg.Conflicts.Rules, 1)
	assert.Equal(t, "merge", cfg.Conflicts.Rules[0].Strategy)
	assert.Equal(t, []string{"cart_"}, cfg.Conflicts.Rules[0].Conditions.Prefixes)
}

func TestLoadFromBytes_Empty(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFromBytes_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFromBytes([]byte("engine:\n  max_retrys: 2\n"))
	assert.ErrorIs(t, err, ErrInvalidConfigFormat)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("SYNC_REMOTE_BASE_URL", "http://localhost:3000/api")
	t.Setenv("SYNC_SERVER_ADDR", ":7070")
	t.Setenv("SYNC_ENGINE_MAX_RETRIES", "1")
	t.Setenv("SYNC_ENGINE_RETRY_DELAY", "2s")
	t.Setenv("SYNC_LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/api", cfg.Remote.BaseURL)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Engine.RetryDelay)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_JournalDSNSelectsPostgres(t *testing.T) {
	t.Setenv("SYNC_JOURNAL_DSN", "postgres://sync@db/sync?sslmode=disable")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Journal.Driver)
	assert.Equal(t, "postgres://sync@db/sync?sslmode=disable", cfg.Journal.DSN)
}

func TestLoad_BadEnvironmentValue(t *testing.T) {
	t.Setenv("SYNC_ENGINE_SYNC_INTERVAL", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "SYNC_ENGINE_SYNC_INTERVAL")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Remote.BaseURL = "https://api.example.com"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing remote", func(c *Config) { c.Remote.BaseURL = "" }, "remote.base_url is required"},
		{"bad remote scheme", func(c *Config) { c.Remote.BaseURL = "ftp://x" }, "scheme must be http or https"},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"engine", func(c *Config) { c.Engine.SyncInterval = 0 }, "sync interval must be positive"},
		{"strategy", func(c *Config) { c.Conflicts.Default = "coin_flip" }, "conflicts"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "unknown level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "unknown format"},
		{"probe interval", func(c *Config) {
			c.Network.ProbeURL = "http://localhost/health"
			c.Network.ProbeInterval = 0
		}, "probe_interval"},
		{"probe host", func(c *Config) { c.Network.ProbeURL = "http:///health" }, "host is required"},
		{"retention", func(c *Config) { c.Journal.Retention = -time.Hour }, "retention"},
		{"journal driver", func(c *Config) { c.Journal.Driver = "mongo" }, "unknown driver"},
		{"postgres dsn", func(c *Config) { c.Journal.Driver = DriverPostgres }, "journal.dsn is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
