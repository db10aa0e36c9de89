package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RegistrationSecret != "VALID_PROVISION_KEY" {
		t.Fatalf("registration secret default: %q", cfg.RegistrationSecret)
	}
	if cfg.ServerURL != "wss://nekota-server.com/ws" {
		t.Fatalf("server url default: %q", cfg.ServerURL)
	}
	if cfg.MemoryTTL != time.Hour || cfg.OfflineAfter != 5*time.Minute {
		t.Fatalf("durations: ttl=%s offline=%s", cfg.MemoryTTL, cfg.OfflineAfter)
	}
	if cfg.DefaultDeviceType != "ESP32" || cfg.MemoryFallback != "db" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.CacheTimeout != 250*time.Millisecond {
		t.Fatalf("cache timeout default: %s", cfg.CacheTimeout)
	}
}

func TestCacheTimeout(t *testing.T) {
	t.Setenv("CACHE_TIMEOUT", "100ms")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheTimeout != 100*time.Millisecond {
		t.Fatalf("cache timeout: %s", cfg.CacheTimeout)
	}

	t.Setenv("CACHE_TIMEOUT", "0s")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for zero cache_timeout")
	}
}

func TestFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := strings.Join([]string{
		"port: \"9090\"",
		"offline_after: 2m",
		"db:",
		"  driver: sqlite",
		"  sqlite_path: /tmp/x.db",
		"redis:",
		"  addr: cache:6379",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("REGISTRATION_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.OfflineAfter != 2*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.SQLitePath != "/tmp/x.db" {
		t.Fatalf("db section not applied: %+v", cfg.DB)
	}
	if cfg.Redis.Addr != "override:6379" {
		t.Fatalf("env should win over file, got %q", cfg.Redis.Addr)
	}
	if cfg.RegistrationSecret != "from-env" {
		t.Fatalf("env secret not applied: %q", cfg.RegistrationSecret)
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestSupabaseFallbackNeedsCredentials(t *testing.T) {
	t.Setenv("MEMORY_FALLBACK", "supabase")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected missing supabase credentials error")
	}
	t.Setenv("SUPABASE_URL", "https://x.supabase.co")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "k")
	if _, err := Load(""); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
