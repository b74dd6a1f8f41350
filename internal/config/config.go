// Package config holds the engine configuration loaded from
// ~/.msync/config.toml, plus the data-directory path helpers.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global config.toml.
type Config struct {
	DataDir string       `toml:"data_dir"`
	Remote  RemoteConfig `toml:"remote"`
	Engine  EngineConfig `toml:"engine"`
}

// RemoteConfig configures the remote authority client. The token usually
// comes from the MSYNC_TOKEN environment variable rather than the file.
type RemoteConfig struct {
	URL            string `toml:"url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	WindowCapacity       int `toml:"window_capacity"`
	RetryCeiling         int `toml:"retry_ceiling"`
	BackoffBaseMillis    int `toml:"backoff_base_ms"`
	BackoffCapMillis     int `toml:"backoff_cap_ms"`
	PollIntervalMillis   int `toml:"poll_interval_ms"`
	SyncIntervalSeconds  int `toml:"sync_interval_seconds"`
	ProbeIntervalSeconds int `toml:"probe_interval_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: BaseDir(),
		Remote: RemoteConfig{
			TimeoutSeconds: 15,
		},
		Engine: EngineConfig{
			WindowCapacity:       200,
			RetryCeiling:         3,
			BackoffBaseMillis:    1000,
			BackoffCapMillis:     30000,
			PollIntervalMillis:   500,
			SyncIntervalSeconds:  60,
			ProbeIntervalSeconds: 10,
		},
	}
}

// Load reads config from the given path, applying defaults for anything
// the file leaves out. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// applyDefaults fills zero values after a partial decode.
func (c *Config) applyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = d.Remote.TimeoutSeconds
	}
	e, de := &c.Engine, d.Engine
	if e.WindowCapacity <= 0 {
		e.WindowCapacity = de.WindowCapacity
	}
	if e.RetryCeiling <= 0 {
		e.RetryCeiling = de.RetryCeiling
	}
	if e.BackoffBaseMillis <= 0 {
		e.BackoffBaseMillis = de.BackoffBaseMillis
	}
	if e.BackoffCapMillis <= 0 {
		e.BackoffCapMillis = de.BackoffCapMillis
	}
	if e.PollIntervalMillis <= 0 {
		e.PollIntervalMillis = de.PollIntervalMillis
	}
	if e.SyncIntervalSeconds <= 0 {
		e.SyncIntervalSeconds = de.SyncIntervalSeconds
	}
	if e.ProbeIntervalSeconds <= 0 {
		e.ProbeIntervalSeconds = de.ProbeIntervalSeconds
	}
}

// Timeout returns the remote transport timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// BackoffBase returns the retry backoff base.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Engine.BackoffBaseMillis) * time.Millisecond
}

// BackoffCap returns the retry backoff cap.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Engine.BackoffCapMillis) * time.Millisecond
}

// PollInterval returns the queue drain pacing interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalMillis) * time.Millisecond
}

// SyncInterval returns the periodic reconciliation interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Engine.SyncIntervalSeconds) * time.Second
}

// ProbeInterval returns the connectivity probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Engine.ProbeIntervalSeconds) * time.Second
}
