package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callsift.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("CS_TEST_API_KEY", "sk-live-123")

	path := writeConfig(t, `{
		"server": {"port": 9090},
		"providers": [
			{"id": "main", "type": "anthropic", "api_key": "${CS_TEST_API_KEY}"}
		],
		"database": {
			"postgres": {"dsn": "${CS_TEST_DSN:postgres://localhost/fallback}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("got port %d, want 9090", cfg.Server.Port)
	}
	if cfg.Providers[0].APIKey != "sk-live-123" {
		t.Errorf("got api key %q, want env value", cfg.Providers[0].APIKey)
	}
	if cfg.Database.Postgres.DSN != "postgres://localhost/fallback" {
		t.Errorf("got dsn %q, want default", cfg.Database.Postgres.DSN)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("CS_TEST_DSN", "postgres://prod/db")
	path := writeConfig(t, `{"database": {"postgres": {"dsn": "${CS_TEST_DSN:postgres://localhost/fallback}"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://prod/db" {
		t.Errorf("got dsn %q, want env value", cfg.Database.Postgres.DSN)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("got port %d, want 8080 default", cfg.Server.Port)
	}
	if cfg.Pipeline.Model == "" {
		t.Error("model default missing")
	}
	if cfg.Pipeline.PoolSize != 8 {
		t.Errorf("got pool size %d, want 8", cfg.Pipeline.PoolSize)
	}
	if cfg.Monitor.WindowSize == 0 {
		t.Error("monitor defaults missing")
	}
}

func TestLoadSecondDurations(t *testing.T) {
	path := writeConfig(t, `{
		"pipeline": {"cache_ttl_seconds": 3600},
		"rollout": {"check_interval_seconds": 30}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.CacheTTL != time.Hour {
		t.Errorf("got ttl %s, want 1h", cfg.Pipeline.CacheTTL)
	}
	if cfg.Rollout.CheckInterval != 30*time.Second {
		t.Errorf("got interval %s, want 30s", cfg.Rollout.CheckInterval)
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Error("invalid JSON should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file should fail")
	}
}
