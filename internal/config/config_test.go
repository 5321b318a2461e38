package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
	if cfg.Sync.Interval != time.Hour || cfg.Sync.FullInterval != 24*time.Hour {
		t.Fatalf("intervals %v %v", cfg.Sync.Interval, cfg.Sync.FullInterval)
	}
	if cfg.Sync.PageSize != 100 || cfg.Sync.CleanupPageSize != 1000 {
		t.Fatalf("page sizes %d %d", cfg.Sync.PageSize, cfg.Sync.CleanupPageSize)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("level %q", cfg.Log.Level)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("server:\n  addr: \":9090\"\nsync:\n  interval: 15m\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
	if cfg.Sync.Interval != 15*time.Minute {
		t.Fatalf("interval %v", cfg.Sync.Interval)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.PageSize != 100 {
		t.Fatalf("page size %d", cfg.Sync.PageSize)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  interval: 15m\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STASHMIRROR_SYNC__INTERVAL", "30m")
	t.Setenv("STASHMIRROR_SERVER__ADMIN_TOKEN", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.Interval != 30*time.Minute {
		t.Fatalf("env override lost: %v", cfg.Sync.Interval)
	}
	if cfg.Server.AdminToken != "s3cret" {
		t.Fatalf("admin token %q", cfg.Server.AdminToken)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  page_size: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}
