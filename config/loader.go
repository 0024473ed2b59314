package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/storefront-sync/logging"
)

// Load loads configuration from a file path and applies environment variable
// overrides. An empty path yields the defaults. Validation is deferred so
// that CLI flags can override values first.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := decodeInto(cfg, data); err != nil {
			return nil, err
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes decodes YAML on top of the defaults. Environment variables
// are not consulted.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeInto(cfg, data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeInto rejects unknown fields so that typos in a key do not silently
// fall back to a default.
func decodeInto(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies configuration from SYNC_* environment
// variables.
func applyEnvironmentOverrides(cfg *Config) error {
	cfg.Logging = logging.ApplyEnv(cfg.Logging)

	if v := os.Getenv("SYNC_REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("SYNC_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SYNC_NETWORK_PROBE_URL"); v != "" {
		cfg.Network.ProbeURL = v
	}
	if v := os.Getenv("SYNC_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("SYNC_JOURNAL_DSN"); v != "" {
		cfg.Journal.Driver = DriverPostgres
		cfg.Journal.DSN = v
	}

	if v := os.Getenv("SYNC_ENGINE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SYNC_ENGINE_MAX_RETRIES: %w", err)
		}
		cfg.Engine.MaxRetries = n
	}
	for name, dst := range map[string]*time.Duration{
		"SYNC_ENGINE_RETRY_DELAY":   &cfg.Engine.RetryDelay,
		"SYNC_ENGINE_SYNC_INTERVAL": &cfg.Engine.SyncInterval,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}
	return nil
}
