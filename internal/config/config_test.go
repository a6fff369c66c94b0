package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "openskelo.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "db_path: /tmp/openskelo.db\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WIPLimits.Default != 1 {
		t.Fatalf("wip default = %d, want 1", cfg.WIPLimits.Default)
	}
	if cfg.Leases.TTLSeconds != 300 {
		t.Fatalf("lease ttl = %d, want 300", cfg.Leases.TTLSeconds)
	}
	if cfg.Watchdog.OnLeaseExpire != "requeue" {
		t.Fatalf("on_lease_expire = %q, want requeue", cfg.Watchdog.OnLeaseExpire)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server defaults wrong: %+v", cfg.Server)
	}
}

func TestLoadParsesWIPLimitsFlatMap(t *testing.T) {
	path := writeConfig(t, `
db_path: test.db
wip_limits:
  default: 2
  code_review: 5
  research: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WIPLimits.Default != 2 {
		t.Fatalf("default = %d, want 2", cfg.WIPLimits.Default)
	}
	if cfg.WIPLimit("code_review") != 5 {
		t.Fatalf("code_review limit = %d, want 5", cfg.WIPLimit("code_review"))
	}
	if cfg.WIPLimit("unlisted_type") != 2 {
		t.Fatalf("unlisted type should fall back to default, got %d", cfg.WIPLimit("unlisted_type"))
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/openskelo.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWIPLimitFallsBackToOneWhenUnset(t *testing.T) {
	cfg := &Config{}
	if got := cfg.WIPLimit("anything"); got != 1 {
		t.Fatalf("WIPLimit = %d, want 1", got)
	}
}
