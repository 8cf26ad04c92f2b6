package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigurationValid(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.Caches.Blocks.Buckets != 16384 {
		t.Errorf("block buckets = %d, want 16384", cfg.Caches.Blocks.Buckets)
	}
	if cfg.Caches.Nodes.Buckets != 4096 {
		t.Errorf("node buckets = %d, want 4096", cfg.Caches.Nodes.Buckets)
	}
	if cfg.Caches.Dentries.Buckets != 8192 {
		t.Errorf("dentry buckets = %d, want 8192", cfg.Caches.Dentries.Buckets)
	}
	if cfg.Locks.MaxLocks != 512 {
		t.Errorf("max locks = %d, want 512", cfg.Locks.MaxLocks)
	}
	if cfg.Events.PoolSize != 2048 || cfg.Events.RatePerSec != 10000 {
		t.Errorf("event defaults = pool %d rate %d", cfg.Events.PoolSize, cfg.Events.RatePerSec)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vfskit.yaml")
	data := []byte(`
global:
  log_level: DEBUG
caches:
  nodes:
    buckets: 1024
    max_nodes: 1024
locks:
  max_locks: 64
events:
  rate_per_sec: 500
metrics:
  enabled: true
  listen_addr: ":9999"
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("log_level = %q", cfg.Global.LogLevel)
	}
	if cfg.Caches.Nodes.MaxNodes != 1024 {
		t.Errorf("max_nodes = %d", cfg.Caches.Nodes.MaxNodes)
	}
	if cfg.Locks.MaxLocks != 64 {
		t.Errorf("max_locks = %d", cfg.Locks.MaxLocks)
	}
	if cfg.Events.RatePerSec != 500 {
		t.Errorf("rate_per_sec = %d", cfg.Events.RatePerSec)
	}
	// Untouched sections keep their defaults.
	if cfg.Caches.Blocks.Buckets != 16384 {
		t.Errorf("block buckets = %d, want default", cfg.Caches.Blocks.Buckets)
	}
	if cfg.Metrics.ListenAddr != ":9999" || !cfg.Metrics.Enabled {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/vfskit.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VFSKIT_LOG_LEVEL", "WARN")
	t.Setenv("VFSKIT_NODE_CACHE_SIZE", "2048")
	t.Setenv("VFSKIT_MAX_LOCKS", "128")
	t.Setenv("VFSKIT_METRICS_ENABLED", "true")
	t.Setenv("VFSKIT_S3_BUCKET", "vfskit-blocks")
	t.Setenv("VFSKIT_EVENT_RATE_LIMIT", "not-a-number")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("log_level = %q", cfg.Global.LogLevel)
	}
	if cfg.Caches.Nodes.MaxNodes != 2048 {
		t.Errorf("max_nodes = %d", cfg.Caches.Nodes.MaxNodes)
	}
	if cfg.Locks.MaxLocks != 128 {
		t.Errorf("max_locks = %d", cfg.Locks.MaxLocks)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics not enabled from env")
	}
	if cfg.Storage.S3.Bucket != "vfskit-blocks" {
		t.Errorf("s3 bucket = %q", cfg.Storage.S3.Bucket)
	}
	// Malformed numeric values are ignored, not fatal.
	if cfg.Events.RatePerSec != 10000 {
		t.Errorf("rate_per_sec = %d, want default", cfg.Events.RatePerSec)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "verbose" }},
		{"zero block cache", func(c *Configuration) { c.Caches.Blocks.MaxBlocks = 0 }},
		{"unaligned block size", func(c *Configuration) { c.Caches.Blocks.BlockSize = 1000 }},
		{"zero node cache", func(c *Configuration) { c.Caches.Nodes.MaxNodes = 0 }},
		{"zero dentry cache", func(c *Configuration) { c.Caches.Dentries.MaxEntries = 0 }},
		{"zero locks", func(c *Configuration) { c.Locks.MaxLocks = 0 }},
		{"zero event pool", func(c *Configuration) { c.Events.PoolSize = 0 }},
		{"negative rate", func(c *Configuration) { c.Events.RatePerSec = -1 }},
		{"metrics without addr", func(c *Configuration) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddr = ""
		}},
	}

	for _, tt := range tests {
		cfg := NewDefault()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid configuration", tt.name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "vfskit.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = "ERROR"
	cfg.Locks.MaxLocks = 256
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Global.LogLevel != "ERROR" || loaded.Locks.MaxLocks != 256 {
		t.Errorf("round trip lost values: %+v", loaded.Global)
	}
}
