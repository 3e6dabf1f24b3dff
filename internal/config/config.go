// Package config loads external configuration for the vote engine.
//
// Configuration comes from podium.yaml (path supplied on the command
// line), overridable via PODIUM_* environment variables. The sync
// interval and audit cadence hot-reload when the file changes.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds every externally supplied knob. No other environment
// coupling exists in the engine.
type Config struct {
	// DBPath is the durable SQLite database file.
	DBPath string `mapstructure:"db_path"`

	// ListenAddr is the dashboard/admin HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	// SyncInterval is the wall-clock period between sync ticks.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// SyncWorkers bounds concurrent per-debate batch writes.
	SyncWorkers int `mapstructure:"sync_workers"`

	// StoreTimeout bounds each durable-store transaction.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`

	// AuditEvery runs the consistency auditor every N sync ticks
	// (0 disables the periodic audit).
	AuditEvery int `mapstructure:"audit_every"`

	// EvictGrace is how long a closed debate's cache entry lingers
	// before it may be evicted.
	EvictGrace time.Duration `mapstructure:"evict_grace"`

	// ShutdownGrace bounds how long shutdown waits for in-flight syncs.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// DefaultChangeLimit caps vote changes per participant for debates
	// registered without an explicit cap (0 = unlimited).
	DefaultChangeLimit int64 `mapstructure:"default_change_limit"`

	// LogFile, when set, routes the process log through a rotating file.
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		DBPath:             ".podium/votes.db",
		ListenAddr:         ":8080",
		SyncInterval:       2 * time.Second,
		SyncWorkers:        4,
		StoreTimeout:       5 * time.Second,
		AuditEvery:         15,
		EvictGrace:         10 * time.Minute,
		ShutdownGrace:      10 * time.Second,
		DefaultChangeLimit: 3,
		LogMaxSizeMB:       50,
		LogMaxBackups:      3,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive (got %v)", c.SyncInterval)
	}
	if c.SyncWorkers <= 0 {
		return fmt.Errorf("sync_workers must be positive (got %d)", c.SyncWorkers)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store_timeout must be positive (got %v)", c.StoreTimeout)
	}
	if c.AuditEvery < 0 {
		return fmt.Errorf("audit_every must be >= 0 (got %d)", c.AuditEvery)
	}
	if c.DefaultChangeLimit < 0 {
		return fmt.Errorf("default_change_limit must be >= 0 (got %d)", c.DefaultChangeLimit)
	}
	return nil
}

// newViper builds a viper instance with defaults and env binding.
func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("sync_interval", d.SyncInterval)
	v.SetDefault("sync_workers", d.SyncWorkers)
	v.SetDefault("store_timeout", d.StoreTimeout)
	v.SetDefault("audit_every", d.AuditEvery)
	v.SetDefault("evict_grace", d.EvictGrace)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)
	v.SetDefault("default_change_limit", d.DefaultChangeLimit)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("log_max_backups", d.LogMaxBackups)

	v.SetEnvPrefix("PODIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Loader reads the configuration file and republishes it on change.
type Loader struct {
	v      *viper.Viper
	logger *log.Logger
}

// NewLoader creates a loader for the given config file path. An empty
// path means defaults plus environment only.
func NewLoader(path string, logger *log.Logger) *Loader {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{v: v, logger: logger}
}

// Load reads and validates the configuration. A missing file is not an
// error when no explicit path was set.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the file on change and hands the fresh config to
// onChange. Invalid edits are logged and skipped, keeping the last good
// configuration in effect.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.unmarshal()
		if err != nil {
			l.logger.Printf("WARNING: ignoring config change %s: %v", e.Name, err)
			return
		}
		l.logger.Printf("Config reloaded from %s", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}
