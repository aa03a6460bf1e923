package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("PWREC_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:5000" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Monitor.PollInterval != 2*time.Second || cfg.Monitor.MaxAttempts != 3 {
		t.Fatalf("monitor defaults = %+v", cfg.Monitor.Config)
	}
	if cfg.Alerts.Thresholds.QualityScore != 60 || cfg.Alerts.Thresholds.DowntimeThreshold != 30000 {
		t.Fatalf("threshold defaults = %+v", cfg.Alerts.Thresholds)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pwrec.yaml")
	body := `
server:
  address: ":6000"
paths:
  root: /data/pwrec
monitor:
  enabled: false
  pollInterval: 500ms
  maxAttempts: 4
alerts:
  thresholds:
    qualityScore: 70
    disconnectionCount: 4
    reconnectionFailRate: 30
    downtimeThreshold: 45000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PWREC_ROOT", "/override")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":6000" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Paths.Root != "/override" {
		t.Fatalf("root = %q, env should win", cfg.Paths.Root)
	}
	if cfg.Monitor.Enabled || cfg.Monitor.PollInterval != 500*time.Millisecond || cfg.Monitor.MaxAttempts != 4 {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
	// untouched keys keep their defaults
	if cfg.Monitor.ReconnectCheckTimeout != 10*time.Second {
		t.Fatalf("reconnect timeout = %v", cfg.Monitor.ReconnectCheckTimeout)
	}
	if cfg.Alerts.Thresholds.QualityScore != 70 || cfg.Alerts.Thresholds.DowntimeThreshold != 45000 {
		t.Fatalf("thresholds = %+v", cfg.Alerts.Thresholds)
	}
	if cfg.File() != path {
		t.Fatalf("File() = %q", cfg.File())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateAuth(t *testing.T) {
	cfg := Default()
	cfg.Auth.Enabled = true
	cfg.Auth.PasswordHash = "$2a$10$abc"
	cfg.Auth.JWTSecret = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	cfg.Auth.JWTSecret = strings.Repeat("x", 32)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Auth.Username = "operator"
	path := filepath.Join(t.TempDir(), "nested", "pwrec.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Auth.Username != "operator" || loaded.Monitor.RetryDelay != cfg.Monitor.RetryDelay {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}
