package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MC_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:3333" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Gateway.URL != "http://127.0.0.1:18789" {
		t.Fatalf("Gateway.URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.MaxRetries != 3 {
		t.Fatalf("Gateway.MaxRetries = %d", cfg.Gateway.MaxRetries)
	}
	if cfg.Sampler.StatsIntervalSeconds != 30 || cfg.Sampler.ProbeIntervalSeconds != 300 {
		t.Fatalf("sampler defaults = %+v", cfg.Sampler)
	}
	if cfg.DataDir != filepath.Join(home, "data") {
		t.Fatalf("DataDir = %q", cfg.DataDir)
	}
	if cfg.AuthToken != "" {
		t.Fatalf("AuthToken = %q, want open access", cfg.AuthToken)
	}
	if cfg.Sessions.CleanupMaxAgeHours != 24 {
		t.Fatalf("CleanupMaxAgeHours = %d", cfg.Sessions.CleanupMaxAgeHours)
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MC_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:8080"
log_level: debug
gateway:
  url: "http://10.0.0.5:18789"
  max_retries: 5
sampler:
  stats_interval_seconds: 10
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MC_GATEWAY_URL", "http://127.0.0.1:19000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:8080" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	// Env wins over file.
	if cfg.Gateway.URL != "http://127.0.0.1:19000" {
		t.Fatalf("Gateway.URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.MaxRetries != 5 {
		t.Fatalf("Gateway.MaxRetries = %d", cfg.Gateway.MaxRetries)
	}
	if cfg.Sampler.StatsIntervalSeconds != 10 {
		t.Fatalf("StatsIntervalSeconds = %d", cfg.Sampler.StatsIntervalSeconds)
	}
}

func TestLoad_TokenFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MC_HOME", home)

	dataDir := filepath.Join(home, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("mkdir data: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, ".mc-token"), []byte("tok-123\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "tok-123" {
		t.Fatalf("AuthToken = %q, want tok-123", cfg.AuthToken)
	}

	// Env override beats the token file.
	t.Setenv("MC_AUTH_TOKEN", "env-tok")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "env-tok" {
		t.Fatalf("AuthToken = %q, want env-tok", cfg.AuthToken)
	}
}

func TestConfig_DerivedPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MC_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(home, "workspace", "memory", "heartbeat-state.json")
	if got := cfg.HeartbeatStatePath(); got != want {
		t.Fatalf("HeartbeatStatePath = %q, want %q", got, want)
	}
	if got := cfg.SessionsStorePath(); got != filepath.Join(home, "sessions", "sessions.json") {
		t.Fatalf("SessionsStorePath = %q", got)
	}
}
