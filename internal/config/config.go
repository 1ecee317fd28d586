// Package config handles loading and validating the notifyd.yaml
// configuration. notifyd runs with zero config (engine defaults).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ratnotify/notifyd/internal/notify"
)

// Config represents the top-level notifyd.yaml configuration.
type Config struct {
	Notify   NotifyConfig   `yaml:"notify"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// NotifyConfig mirrors notify.Config's tunables for YAML overrides. Zero
// fields fall back to notify.DefaultConfig()'s values at Load time.
type NotifyConfig struct {
	MaxQueuePages       uint64        `yaml:"max_queue_pages"`
	NotifyBuffers       int           `yaml:"notify_buffers"`
	MaxBackends         int           `yaml:"max_backends"`
	TraceNotify         bool          `yaml:"trace_notify"`
	CleanupInterval     uint64        `yaml:"cleanup_interval"`
	WarnInterval        time.Duration `yaml:"warn_interval"`
	MinHashableNotifies int           `yaml:"min_hashable_notifies"`
	SegmentSize         uint64        `yaml:"segment_size"`
}

// PostgresConfig declares whether a cluster-wide writer-mutex backed by
// Postgres advisory locks should be used instead of the in-process
// default. Addr is read from DATABASE_URL at startup if Enabled is true
// and Addr is empty.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the engine's documented defaults with no
// Postgres-backed writer-mutex.
func DefaultConfig() *Config {
	nd := notify.DefaultConfig()
	return &Config{
		Notify: NotifyConfig{
			MaxQueuePages:       nd.MaxQueuePages,
			NotifyBuffers:       nd.NotifyBuffers,
			MaxBackends:         nd.MaxBackends,
			TraceNotify:         nd.TraceNotify,
			CleanupInterval:     nd.CleanupInterval,
			WarnInterval:        nd.WarnInterval,
			MinHashableNotifies: nd.MinHashableNotifies,
			SegmentSize:         nd.SegmentSize,
		},
	}
}

// ToNotifyConfig converts the YAML-facing NotifyConfig to a notify.Config,
// filling any zero field from notify.DefaultConfig() so a partial
// notifyd.yaml only needs to declare the tunables it wants to override.
func (c *Config) ToNotifyConfig() notify.Config {
	d := notify.DefaultConfig()
	n := c.Notify
	out := notify.Config{
		MaxQueuePages:       n.MaxQueuePages,
		NotifyBuffers:       n.NotifyBuffers,
		MaxBackends:         n.MaxBackends,
		TraceNotify:         n.TraceNotify,
		CleanupInterval:     n.CleanupInterval,
		WarnInterval:        n.WarnInterval,
		MinHashableNotifies: n.MinHashableNotifies,
		SegmentSize:         n.SegmentSize,
	}
	if out.MaxQueuePages == 0 {
		out.MaxQueuePages = d.MaxQueuePages
	}
	if out.NotifyBuffers == 0 {
		out.NotifyBuffers = d.NotifyBuffers
	}
	if out.MaxBackends == 0 {
		out.MaxBackends = d.MaxBackends
	}
	if out.CleanupInterval == 0 {
		out.CleanupInterval = d.CleanupInterval
	}
	if out.WarnInterval == 0 {
		out.WarnInterval = d.WarnInterval
	}
	if out.MinHashableNotifies == 0 {
		out.MinHashableNotifies = d.MinHashableNotifies
	}
	if out.SegmentSize == 0 {
		out.SegmentSize = d.SegmentSize
	}
	return out
}

// Load parses a notifyd.yaml file and validates it.
// If path is empty, returns engine defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: NOTIFYD_CONFIG env var > ./notifyd.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("NOTIFYD_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("notifyd.yaml"); err == nil {
		return "notifyd.yaml"
	}
	return ""
}

// validate checks that a Postgres-backed writer-mutex was given an
// address to dial if enabled without one supplied via DATABASE_URL.
func (c *Config) validate() error {
	if c.Postgres.Enabled && c.Postgres.Addr == "" && os.Getenv("DATABASE_URL") == "" {
		return fmt.Errorf("postgres.enabled is true but no addr and no DATABASE_URL set")
	}
	return nil
}
