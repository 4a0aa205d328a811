package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, home, content string) {
	t.Helper()
	if err := os.WriteFile(ConfigPath(home), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "inbound_address: bot@example.com\n")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want default 2", cfg.MaxRetries)
	}
	if cfg.RetryBackoffSeconds != 5 {
		t.Errorf("RetryBackoffSeconds = %d", cfg.RetryBackoffSeconds)
	}
	if cfg.Model != DefaultModel {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.MonitorSchedule != DefaultMonitorSchedule {
		t.Errorf("MonitorSchedule = %q", cfg.MonitorSchedule)
	}
	if cfg.OutboundFrom != "bot@example.com" {
		t.Errorf("OutboundFrom = %q, want inbound fallback", cfg.OutboundFrom)
	}
	if cfg.WorkspaceRoot != filepath.Join(home, "workspaces") {
		t.Errorf("WorkspaceRoot = %q", cfg.WorkspaceRoot)
	}
	if cfg.DBPath != filepath.Join(home, "mailpilot.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	_, err := LoadFrom(home)
	if err == nil {
		t.Fatal("expected validation error without any addresses")
	}
}

func TestLoadFrom_ExplicitZeroRetriesKept(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "inbound_address: bot@example.com\nmax_retries: 0\n")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want explicit 0 preserved", cfg.MaxRetries)
	}
}

func TestLoadFrom_NegativeRetriesClamped(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "inbound_address: bot@example.com\nmax_retries: -3\n")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want clamp to 0", cfg.MaxRetries)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
inbound_address: bot@example.com
anthropic_api_key: file-key
postmark_server_token: file-token
`)
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("POSTMARK_SERVER_TOKEN", "env-token")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AnthropicAPIKey != "env-key" {
		t.Errorf("AnthropicAPIKey = %q", cfg.AnthropicAPIKey)
	}
	if cfg.PostmarkServerToken != "env-token" {
		t.Errorf("PostmarkServerToken = %q", cfg.PostmarkServerToken)
	}
}

func TestLoadFrom_FullFile(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
bind_addr: 0.0.0.0:9000
log_level: debug
inbound_address: inbox@example.com
outbound_from: replies@example.com
max_retries: 5
retry_backoff_seconds: 10
model: claude-test
responder_disabled: true
monitor_schedule: "0 * * * *"
stuck_processing_minutes: 30
allow_origins:
  - https://ops.example.com
otel:
  enabled: true
  exporter: stdout
`)
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.LogLevel != "debug" {
		t.Errorf("server settings = %q %q", cfg.BindAddr, cfg.LogLevel)
	}
	if cfg.OutboundFrom != "replies@example.com" {
		t.Errorf("OutboundFrom = %q, want explicit value kept", cfg.OutboundFrom)
	}
	if cfg.MaxRetries != 5 || cfg.RetryBackoffSeconds != 10 {
		t.Errorf("retry settings = %d %d", cfg.MaxRetries, cfg.RetryBackoffSeconds)
	}
	if !cfg.ResponderDisabled {
		t.Error("ResponderDisabled not set")
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "stdout" {
		t.Errorf("otel = %+v", cfg.OTel)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "https://ops.example.com" {
		t.Errorf("AllowOrigins = %v", cfg.AllowOrigins)
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: [unclosed\n")
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := Config{BindAddr: "x", Model: "m", MaxRetries: 2}
	b := Config{BindAddr: "x", Model: "m", MaxRetries: 2}
	c := Config{BindAddr: "x", Model: "m", MaxRetries: 3}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs should share a fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("changed retry budget should change the fingerprint")
	}
}

func TestHelpers(t *testing.T) {
	cfg := Config{RetryBackoffSeconds: 7, StuckProcessingMinutes: 20}
	if cfg.RetryBackoff().Seconds() != 7 {
		t.Errorf("RetryBackoff = %v", cfg.RetryBackoff())
	}
	if cfg.StuckAfter().Minutes() != 20 {
		t.Errorf("StuckAfter = %v", cfg.StuckAfter())
	}
}
