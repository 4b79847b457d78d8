package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Addr() != "127.0.0.1:3336" {
		t.Fatalf("unexpected addr %s", cfg.Gateway.Addr())
	}
	if cfg.Sessions.QueueMax != 8 {
		t.Fatalf("unexpected queue max %d", cfg.Sessions.QueueMax)
	}
	if cfg.Permissions.MaxAge() != 15*time.Minute {
		t.Fatalf("unexpected permission max age %v", cfg.Permissions.MaxAge())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	doc := `
gateway:
  host: 0.0.0.0
  port: 4000
permissions:
  allow: ["filesystem.read"]
  deny: ["shell.write"]
  max_age_s: 60
memory:
  importance_min: 4
  embeddings:
    enabled: false
scheduler:
  timezone: Europe/Stockholm
frontends:
  adapters:
    telegram:
      enabled: true
      edit_rate_s: 2.5
`
	path := filepath.Join(t.TempDir(), "agent_blob.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Addr() != "0.0.0.0:4000" {
		t.Fatalf("unexpected addr %s", cfg.Gateway.Addr())
	}
	if len(cfg.Permissions.Deny) != 1 || cfg.Permissions.Deny[0] != "shell.write" {
		t.Fatalf("unexpected deny rules %v", cfg.Permissions.Deny)
	}
	if cfg.Permissions.MaxAge() != time.Minute {
		t.Fatalf("unexpected max age %v", cfg.Permissions.MaxAge())
	}
	if cfg.Memory.ImportanceMin != 4 {
		t.Fatalf("unexpected importance_min %d", cfg.Memory.ImportanceMin)
	}
	if cfg.Memory.Embeddings.Enabled {
		t.Fatalf("expected embeddings disabled")
	}
	if cfg.Scheduler.Timezone != "Europe/Stockholm" {
		t.Fatalf("unexpected timezone %s", cfg.Scheduler.Timezone)
	}
	if cfg.Frontends.Adapters.Telegram.EditRate() != 2500*time.Millisecond {
		t.Fatalf("unexpected edit rate %v", cfg.Frontends.Adapters.Telegram.EditRate())
	}
}

func TestLogFallback(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lc := cfg.Log("unknown")
	if lc.MaxBytes != 5_000_000 || lc.KeepDays != 30 {
		t.Fatalf("unexpected fallback %+v", lc)
	}
}
