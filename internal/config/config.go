// Package config loads the control-plane configuration from
// config.yaml under the mission-control home directory, applying
// defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds settings for the external agent gateway the
// control plane proxies to. The gateway itself is opaque; only its RPC
// endpoint and retry posture are configured here.
type GatewayConfig struct {
	// URL is the base URL of the gateway process.
	URL string `yaml:"url"`

	// TimeoutSeconds bounds every single invoke attempt. Default 10.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries is the default retry budget per invoke. Default 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseMS is the backoff unit: attempt N waits N*base. Default 1000.
	RetryBaseMS int `yaml:"retry_base_ms"`

	// MainSessionKey is the agent session that receives fire-and-forget
	// notifications (preference requests and similar).
	MainSessionKey string `yaml:"main_session_key"`
}

// SamplerConfig holds the periodic monitoring cadences.
type SamplerConfig struct {
	// StatsIntervalSeconds is the fast tick gathering host metrics. Default 30.
	StatsIntervalSeconds int `yaml:"stats_interval_seconds"`

	// ProbeIntervalSeconds is the slow, edge-triggered gateway
	// connectivity probe. Default 300.
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds"`
}

// SessionsConfig locates the gateway-owned session bookkeeping the
// lifecycle manager reads and prunes.
type SessionsConfig struct {
	// Dir contains sessions.json plus one <sessionId>.jsonl transcript
	// per session.
	Dir string `yaml:"dir"`

	// CleanupMaxAgeHours is the default bulk-expiry cutoff. Default 24.
	CleanupMaxAgeHours int `yaml:"cleanup_max_age_hours"`
}

// TelemetryConfig mirrors the OpenTelemetry wiring options.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DataDir holds the structured JSON documents (tasks, agents,
	// preferences, heartbeat checks) plus their .backup siblings.
	// Default: <home>/data.
	DataDir string `yaml:"data_dir"`

	// WorkspaceDir is the agent's working directory; the agent-authored
	// heartbeat state file lives at <workspace>/memory/heartbeat-state.json
	// and is read-only from this process's point of view.
	WorkspaceDir string `yaml:"workspace_dir"`

	// AuthToken guards the API when non-empty. Loaded from
	// data/.mc-token when not set here; MC_AUTH_TOKEN overrides both.
	// Empty token means open access.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls accepted Origin headers for browser
	// WebSocket connections. Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HomeDir resolves the mission-control home directory.
// MC_HOME overrides; default is ~/.missionctl.
func HomeDir() string {
	if v := strings.TrimSpace(os.Getenv("MC_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".missionctl"
	}
	return filepath.Join(home, ".missionctl")
}

// Load reads config.yaml from the home directory. A missing file is
// not an error: defaults apply and the file can be written later.
func Load() (Config, error) {
	cfg := Config{}
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mission-control home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	loadTokenFile(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MC_BIND_ADDR")); v != "" {
		cfg.BindAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MC_GATEWAY_URL")); v != "" {
		cfg.Gateway.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("MC_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("MC_AUTH_TOKEN")); v != "" {
		cfg.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("MC_STATS_INTERVAL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sampler.StatsIntervalSeconds = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:3333"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Gateway.URL == "" {
		cfg.Gateway.URL = "http://127.0.0.1:18789"
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = int((10 * time.Second).Seconds())
	}
	if cfg.Gateway.MaxRetries <= 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.RetryBaseMS <= 0 {
		cfg.Gateway.RetryBaseMS = 1000
	}
	if cfg.Gateway.MainSessionKey == "" {
		cfg.Gateway.MainSessionKey = "agent:main:main"
	}
	if cfg.Sampler.StatsIntervalSeconds <= 0 {
		cfg.Sampler.StatsIntervalSeconds = 30
	}
	if cfg.Sampler.ProbeIntervalSeconds <= 0 {
		cfg.Sampler.ProbeIntervalSeconds = 300
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = filepath.Join(cfg.HomeDir, "sessions")
	}
	if cfg.Sessions.CleanupMaxAgeHours <= 0 {
		cfg.Sessions.CleanupMaxAgeHours = 24
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "mission-control"
	}
}

// loadTokenFile fills AuthToken from data/.mc-token when nothing else
// set it. A missing token file means open access, matching the
// dashboard's historical behavior.
func loadTokenFile(cfg *Config) {
	if cfg.AuthToken != "" {
		return
	}
	raw, err := os.ReadFile(filepath.Join(cfg.DataDir, ".mc-token"))
	if err != nil {
		return
	}
	cfg.AuthToken = strings.TrimSpace(string(raw))
}

// HeartbeatStatePath is the agent-authored state file merged into
// check listings. Never written by this process.
func (c Config) HeartbeatStatePath() string {
	return filepath.Join(c.WorkspaceDir, "memory", "heartbeat-state.json")
}

// SessionsStorePath is the gateway-owned session store document.
func (c Config) SessionsStorePath() string {
	return filepath.Join(c.Sessions.Dir, "sessions.json")
}

// GatewayTimeout returns the per-attempt invoke timeout.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// GatewayRetryBase returns the backoff unit for invoke retries.
func (c Config) GatewayRetryBase() time.Duration {
	return time.Duration(c.Gateway.RetryBaseMS) * time.Millisecond
}

// StatsInterval returns the fast sampler tick period.
func (c Config) StatsInterval() time.Duration {
	return time.Duration(c.Sampler.StatsIntervalSeconds) * time.Second
}

// ProbeInterval returns the slow connectivity probe period.
func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.Sampler.ProbeIntervalSeconds) * time.Second
}
