package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero interval", func(c *Config) { c.SyncInterval = 0 }},
		{"negative interval", func(c *Config) { c.SyncInterval = -time.Second }},
		{"zero workers", func(c *Config) { c.SyncWorkers = 0 }},
		{"zero timeout", func(c *Config) { c.StoreTimeout = 0 }},
		{"negative audit cadence", func(c *Config) { c.AuditEvery = -1 }},
		{"negative change limit", func(c *Config) { c.DefaultChangeLimit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := NewLoader("", nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if cfg.SyncInterval != want.SyncInterval || cfg.SyncWorkers != want.SyncWorkers {
		t.Errorf("config without file = %+v, want defaults", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podium.yaml")
	content := `
db_path: /tmp/test-votes.db
listen_addr: ":9090"
sync_interval: 250ms
sync_workers: 8
audit_every: 5
default_change_limit: 1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := NewLoader(path, nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/tmp/test-votes.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SyncInterval != 250*time.Millisecond {
		t.Errorf("sync interval = %v, want 250ms", cfg.SyncInterval)
	}
	if cfg.SyncWorkers != 8 {
		t.Errorf("sync workers = %d, want 8", cfg.SyncWorkers)
	}
	if cfg.AuditEvery != 5 {
		t.Errorf("audit every = %d, want 5", cfg.AuditEvery)
	}
	if cfg.DefaultChangeLimit != 1 {
		t.Errorf("change limit = %d, want 1", cfg.DefaultChangeLimit)
	}

	// Unset keys keep their defaults.
	if cfg.StoreTimeout != Default().StoreTimeout {
		t.Errorf("store timeout = %v, want default", cfg.StoreTimeout)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podium.yaml")
	if err := os.WriteFile(path, []byte("sync_workers: -2\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := NewLoader(path, nil).Load(); err == nil {
		t.Error("expected error for invalid config, got nil")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PODIUM_SYNC_WORKERS", "9")
	t.Setenv("PODIUM_DB_PATH", "/tmp/env-votes.db")

	cfg, err := NewLoader("", nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SyncWorkers != 9 {
		t.Errorf("sync workers = %d, want env override 9", cfg.SyncWorkers)
	}
	if cfg.DBPath != "/tmp/env-votes.db" {
		t.Errorf("db path = %q, want env override", cfg.DBPath)
	}
}
