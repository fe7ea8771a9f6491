package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
api:
  key: k
  secret: s
  token: t
  token_secret: ts
share:
  auto_share: true
  interval: 15m
  categories: [3, 11]
storage:
  path: ./autopost.db
logging:
  level: info
  console: true
`

func TestParseYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.API.Configured() {
		t.Fatalf("credentials not parsed: %+v", cfg.API)
	}
	if !cfg.Share.AutoShare || len(cfg.Share.Categories) != 2 {
		t.Fatalf("share section not parsed: %+v", cfg.Share)
	}
	d, err := cfg.Share.SweepInterval()
	if err != nil || d != 15*time.Minute {
		t.Fatalf("interval = %v err = %v", d, err)
	}
	if m.Get() != cfg {
		t.Fatalf("load did not commit")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("unknown fields must be rejected")
	}
}

func TestParseRejectsPartialCredentials(t *testing.T) {
	body := `
api:
  key: only-a-key
storage:
  path: ./autopost.db
logging:
  level: info
  console: true
`
	m := NewManager(writeConfig(t, "config.yaml", body))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("partial credentials must be rejected")
	}
}

func TestParseAllowsAbsentCredentials(t *testing.T) {
	body := `
storage:
  path: ./autopost.db
logging:
  level: info
  console: true
`
	m := NewManager(writeConfig(t, "config.yaml", body))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("absent credentials should be allowed: %v", err)
	}
	if cfg.API.Configured() {
		t.Fatalf("credentials unexpectedly configured")
	}
}

func TestSweepIntervalEnum(t *testing.T) {
	for raw, want := range map[string]time.Duration{
		"5m": 5 * time.Minute, "15m": 15 * time.Minute,
		"30m": 30 * time.Minute, "60m": time.Hour,
	} {
		d, err := (ShareConfig{Interval: raw}).SweepInterval()
		if err != nil || d != want {
			t.Fatalf("interval %q: got %v err %v", raw, d, err)
		}
	}

	// Default when omitted.
	if d, err := (ShareConfig{}).SweepInterval(); err != nil || d != 30*time.Minute {
		t.Fatalf("default interval: got %v err %v", d, err)
	}

	// Arbitrary durations are not part of the enum.
	if _, err := (ShareConfig{Interval: "7m"}).SweepInterval(); err == nil {
		t.Fatalf("7m must be rejected")
	}
}

func TestValidateStoragePathRequired(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing storage path must be rejected")
	}
}

func TestSummarizeChangeNeverLogsSecrets(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{API: APIConfig{Key: "k", Secret: "s", Token: "t", TokenSecret: "ts"}}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "api" {
		t.Fatalf("changed = %v", changed)
	}
}
