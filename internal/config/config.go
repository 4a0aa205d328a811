// Package config loads the daemon configuration from config.yaml under the
// mailpilot home directory. The loaded Config is an immutable value: changing
// config.yaml requires a restart.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/mailpilot/internal/otel"
)

const (
	DefaultModel           = "claude-sonnet-4-20250514"
	DefaultMonitorSchedule = "*/5 * * * *"
)

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// InboundAddress is the mailbox the pipeline serves. OutboundFrom is the
	// From address stamped on replies; empty falls back to InboundAddress.
	InboundAddress string `yaml:"inbound_address"`
	OutboundFrom   string `yaml:"outbound_from"`

	// WorkspaceRoot is where per-task workspaces are created. Empty uses
	// <home>/workspaces. DBPath empty uses <home>/mailpilot.db.
	WorkspaceRoot string `yaml:"workspace_root"`
	DBPath        string `yaml:"db_path"`

	// MaxRetries is the per-task retry budget after the first attempt.
	// Zero means a single attempt.
	MaxRetries          int `yaml:"max_retries"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`

	Model             string `yaml:"model"`
	ResponderDisabled bool   `yaml:"responder_disabled"`

	// Env vars override these: ANTHROPIC_API_KEY, POSTMARK_SERVER_TOKEN.
	AnthropicAPIKey     string `yaml:"anthropic_api_key"`
	PostmarkServerToken string `yaml:"postmark_server_token"`

	// MonitorSchedule is a 5-field cron expression for the health sweep.
	MonitorSchedule        string `yaml:"monitor_schedule"`
	StuckProcessingMinutes int    `yaml:"stuck_processing_minutes"`

	// ProcessedIDsPath points at a legacy processed-ids file to import on
	// startup. Empty skips the import.
	ProcessedIDsPath string `yaml:"processed_ids_path"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections on /events. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	OTel otel.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18025",
		LogLevel:               "info",
		MaxRetries:             2,
		RetryBackoffSeconds:    5,
		Model:                  DefaultModel,
		MonitorSchedule:        DefaultMonitorSchedule,
		StuckProcessingMinutes: 15,
	}
}

// HomeDir returns the mailpilot home directory, honoring MAILPILOT_HOME.
func HomeDir() string {
	if override := os.Getenv("MAILPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mailpilot")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the mailpilot home, applies env overrides, and
// fills in defaults. A missing file yields the default configuration.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mailpilot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := os.Getenv("POSTMARK_SERVER_TOKEN"); v != "" {
		cfg.PostmarkServerToken = v
	}
	if v := os.Getenv("MAILPILOT_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18025"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoffSeconds <= 0 {
		cfg.RetryBackoffSeconds = 5
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if strings.TrimSpace(cfg.MonitorSchedule) == "" {
		cfg.MonitorSchedule = DefaultMonitorSchedule
	}
	if cfg.StuckProcessingMinutes <= 0 {
		cfg.StuckProcessingMinutes = 15
	}
	if cfg.OutboundFrom == "" {
		cfg.OutboundFrom = cfg.InboundAddress
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspaces")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "mailpilot.db")
	}
}

func validate(cfg Config) error {
	if cfg.OutboundFrom == "" {
		return fmt.Errorf("inbound_address or outbound_from must be set")
	}
	return nil
}

// RetryBackoff returns the configured delay between attempts.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// StuckAfter returns how long a task may sit in processing before the
// monitor reports it.
func (c Config) StuckAfter() time.Duration {
	return time.Duration(c.StuckProcessingMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the active config for log correlation.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|from=%s|model=%s|retries=%d|backoff=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.OutboundFrom, c.Model, c.MaxRetries, c.RetryBackoffSeconds, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
