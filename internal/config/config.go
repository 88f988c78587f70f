// Package config loads the process configuration: a single struct with one
// nested YAML section per subsystem, loaded with gopkg.in/yaml.v3 and
// defaulted after unmarshal. Configuration is passed down explicitly from
// process entry; there is no package-level singleton.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shape.
type Config struct {
	Store struct {
		WALPath         string `yaml:"wal_path"`
		SnapshotPath    string `yaml:"snapshot_path"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
	} `yaml:"store"`

	Dispatch struct {
		MaxJobs         int `yaml:"max_jobs"`
		MaxJobsSleepMs  int `yaml:"max_jobs_sleep_ms"`
	} `yaml:"dispatch"`

	Collector struct {
		RunningSweepSeconds int `yaml:"running_sweep_seconds"`
		ControlSweepSeconds int `yaml:"control_sweep_seconds"`
		DelayWindowSeconds  int `yaml:"delay_window_seconds"`
		DoneLifetimeSeconds int `yaml:"done_lifetime_seconds"` // 0 reaps finished jobs immediately
		RecycledPriority    int `yaml:"recycled_priority"`     // ready-queue priority for requeued tasks with no recorded priority
	} `yaml:"collector"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	API struct {
		InputLimit      int `yaml:"input_limit"`       // submissions refused once /input holds this many entries; 0 means unlimited
		DeleteTimeoutMs int `yaml:"delete_timeout_ms"` // bound on how long a cancel/reap wait may block
	} `yaml:"api"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads and parses the YAML file at path, applying defaults to any
// zero-valued field afterward.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a Config with every field at its default value - used by
// the demo binary, which runs without a config file on disk.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Store.WALPath == "" {
		c.Store.WALPath = "data/wal.log"
	}
	if c.Store.SnapshotPath == "" {
		c.Store.SnapshotPath = "data/snapshot.json"
	}
	if c.Store.BufferSize <= 0 {
		c.Store.BufferSize = 64 * 1024
	}
	if c.Store.FlushIntervalMs <= 0 {
		c.Store.FlushIntervalMs = 200
	}
	if c.Dispatch.MaxJobs <= 0 {
		c.Dispatch.MaxJobs = 1
	}
	if c.Dispatch.MaxJobsSleepMs <= 0 {
		c.Dispatch.MaxJobsSleepMs = 100
	}
	if c.Collector.RunningSweepSeconds <= 0 {
		c.Collector.RunningSweepSeconds = 1
	}
	if c.Collector.ControlSweepSeconds <= 0 {
		c.Collector.ControlSweepSeconds = 5
	}
	if c.Collector.DelayWindowSeconds <= 0 {
		c.Collector.DelayWindowSeconds = 10
	}
	if c.Collector.RecycledPriority <= 0 {
		c.Collector.RecycledPriority = 100
	}
	if c.Metrics.Port <= 0 {
		c.Metrics.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// FlushInterval returns the WAL flush interval as a time.Duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Store.FlushIntervalMs) * time.Millisecond
}

// MaxJobsSleep returns the dispatch backoff as a time.Duration.
func (c *Config) MaxJobsSleep() time.Duration {
	return time.Duration(c.Dispatch.MaxJobsSleepMs) * time.Millisecond
}

// RunningSweepInterval returns the collector's running-sweep period.
func (c *Config) RunningSweepInterval() time.Duration {
	return time.Duration(c.Collector.RunningSweepSeconds) * time.Second
}

// ControlSweepInterval returns the collector's control-sweep period.
func (c *Config) ControlSweepInterval() time.Duration {
	return time.Duration(c.Collector.ControlSweepSeconds) * time.Second
}

// DelayWindow returns the collector's abandonment grace period.
func (c *Config) DelayWindow() time.Duration {
	return time.Duration(c.Collector.DelayWindowSeconds) * time.Second
}

// DoneLifetime returns how long a finished job lingers before the control
// sweep reaps it.
func (c *Config) DoneLifetime() time.Duration {
	return time.Duration(c.Collector.DoneLifetimeSeconds) * time.Second
}

// DeleteTimeout returns api.delete_timeout as a time.Duration, the bound a
// caller should place on a cancel/reap wait.
func (c *Config) DeleteTimeout() time.Duration {
	return time.Duration(c.API.DeleteTimeoutMs) * time.Millisecond
}
