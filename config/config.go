// Package config holds the daemon's configuration file format.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/synckit"
)

// Config holds all configuration for the sync daemon.
type Config struct {
	Engine    synckit.Config     `yaml:"engine"`
	Logging   logging.Config     `yaml:"logging"`
	Network   NetworkConfig      `yaml:"network"`
	Journal   JournalConfig      `yaml:"journal"`
	Server    ServerConfig       `yaml:"server"`
	Remote    RemoteConfig       `yaml:"remote"`
	Conflicts synckit.RuleConfig `yaml:"conflicts"`
}

// NetworkConfig drives the connectivity monitor.
type NetworkConfig struct {
	// ProbeURL is polled with HEAD requests. Empty disables probing and the
	// engine stays in its initial state.
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	StartOnline   bool          `yaml:"start_online"`
}

// Journal drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// JournalConfig configures the event journal.
type JournalConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	// Path of the SQLite database file. Empty disables a SQLite journal.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN       string        `yaml:"dsn"`
	TableName string        `yaml:"table_name"`
	EnableWAL bool          `yaml:"enable_wal"`
	// Retention prunes older records hourly. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// ServerConfig configures the diagnostics HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	StreamBuffer    int           `yaml:"stream_buffer"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RemoteConfig points the engine at the authoritative REST store.
type RemoteConfig struct {
	BaseURL      string            `yaml:"base_url"`
	Method       string            `yaml:"method"`
	Timeout      time.Duration     `yaml:"timeout"`
	Headers      map[string]string `yaml:"headers"`
	MaxBodyBytes int64             `yaml:"max_body_bytes"`
	EnableGzip   bool              `yaml:"enable_gzip"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Engine:  synckit.DefaultConfig(),
		Logging: logging.DefaultConfig,
		Network: NetworkConfig{
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  5 * time.Second,
			StartOnline:   true,
		},
		Journal: JournalConfig{
			Driver:    DriverSQLite,
			Path:      "syncd.db",
			TableName: "sync_events",
			EnableWAL: true,
			Retention: 7 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			StreamBuffer:    256,
			PingInterval:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Remote: RemoteConfig{
			Method:       "PUT",
			Timeout:      30 * time.Second,
			MaxBodyBytes: 8 << 20,
			EnableGzip:   true,
		},
	}
}

// Validate checks if the configuration is valid. Every problem found is
// reported.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := c.Conflicts.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("conflicts: %w", err))
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}

	if c.Network.ProbeURL != "" {
		if err := validateHTTPURL(c.Network.ProbeURL); err != nil {
			errs = append(errs, fmt.Errorf("network.probe_url: %w", err))
		}
		if c.Network.ProbeInterval <= 0 {
			errs = append(errs, errors.New("network.probe_interval must be positive"))
		}
	}

	switch c.Journal.Driver {
	case "", DriverSQLite:
	case DriverPostgres:
		if c.Journal.DSN == "" {
			errs = append(errs, errors.New("journal.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal: unknown driver %q", c.Journal.Driver))
	}
	if c.Journal.Retention < 0 {
		errs = append(errs, errors.New("journal.retention must not be negative"))
	}

	if c.Server.Addr == "" {
		errs = append(errs, ErrMissingServerAddr)
	}
	if c.Server.StreamBuffer < 0 {
		errs = append(errs, errors.New("server.stream_buffer must not be negative"))
	}

	if c.Remote.BaseURL == "" {
		errs = append(errs, ErrMissingRemoteURL)
	} else if err := validateHTTPURL(c.Remote.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("remote.base_url: %w", err))
	}
	if c.Remote.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("remote.max_body_bytes must not be negative"))
	}
	return errors.Join(errs...)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
