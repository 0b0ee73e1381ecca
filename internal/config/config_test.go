package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8090" {
		t.Errorf("Server.Addr = %q, want :8090", cfg.Server.Addr)
	}
	if cfg.Pool.Size != 4 {
		t.Errorf("Pool.Size = %d, want 4", cfg.Pool.Size)
	}
	if cfg.Admission.DefaultCeiling != 5 {
		t.Errorf("Admission.DefaultCeiling = %d, want 5", cfg.Admission.DefaultCeiling)
	}
	if cfg.Dedup.GraceDelay != 2*time.Second {
		t.Errorf("Dedup.GraceDelay = %v, want 2s", cfg.Dedup.GraceDelay)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("Breaker.FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Cache.MaxTotalBytes != 2<<30 {
		t.Errorf("Cache.MaxTotalBytes = %d, want 2GiB", cfg.Cache.MaxTotalBytes)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8090" {
		t.Errorf("Server.Addr = %q, want default", cfg.Server.Addr)
	}
}

func TestLoadOverridesAndFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glslbot.yaml")
	data := `
server:
  addr: ":9000"
pool:
  size: 8
  job_timeout: 2m
admission:
  ceilings:
    compile-preset: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Pool.Size != 8 {
		t.Errorf("Pool.Size = %d, want 8", cfg.Pool.Size)
	}
	if cfg.Pool.JobTimeout != 2*time.Minute {
		t.Errorf("Pool.JobTimeout = %v, want 2m", cfg.Pool.JobTimeout)
	}
	if cfg.Admission.Ceilings["compile-preset"] != 10 {
		t.Errorf("Ceilings = %v", cfg.Admission.Ceilings)
	}

	// Unset fields still get defaults.
	if cfg.Pool.QueueCapacity != 32 {
		t.Errorf("Pool.QueueCapacity = %d, want default 32", cfg.Pool.QueueCapacity)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("Cache.TTL = %v, want default 24h", cfg.Cache.TTL)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() succeeded on malformed YAML")
	}
}
