package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got error: %v", err)
	}
	if cfg.Signal.PingInterval != 20*time.Second {
		t.Fatalf("expected default ping interval 20s, got %v", cfg.Signal.PingInterval)
	}
	if cfg.Capture.FPS != 10 {
		t.Fatalf("expected default capture fps 10, got %d", cfg.Capture.FPS)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	yamlData := `
registry:
  base_url: "https://relay.example.com"
signal:
  url: "wss://relay.example.com/ws"
  ping_interval: 5s
capture:
  fps: 2
  quality: 0.5
latency:
  encoding_delay_ms: 45
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Registry.BaseURL != "https://relay.example.com" {
		t.Fatalf("expected registry base_url override, got %q", cfg.Registry.BaseURL)
	}
	if cfg.Signal.PingInterval != 5*time.Second {
		t.Fatalf("expected ping interval 5s, got %v", cfg.Signal.PingInterval)
	}
	if cfg.Capture.FPS != 2 || cfg.Capture.Quality != 0.5 {
		t.Fatalf("expected capture overrides, got fps=%d quality=%v", cfg.Capture.FPS, cfg.Capture.Quality)
	}
	if cfg.Latency.EncodingDelayMs != 45 {
		t.Fatalf("expected encoding delay 45, got %v", cfg.Latency.EncodingDelayMs)
	}
	// Untouched sections keep their defaults.
	if cfg.WebRTC.StatsInterval != time.Second {
		t.Fatalf("expected default stats interval, got %v", cfg.WebRTC.StatsInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CRC_REGISTRY_URL", "https://env.example.com")
	t.Setenv("CRC_SIGNAL_URL", "wss://env.example.com/ws")
	t.Setenv("CRC_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Registry.BaseURL != "https://env.example.com" {
		t.Fatalf("expected env registry override, got %q", cfg.Registry.BaseURL)
	}
	if cfg.Signal.URL != "wss://env.example.com/ws" {
		t.Fatalf("expected env signal override, got %q", cfg.Signal.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level override, got %q", cfg.Logging.Level)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "registry base url must not be empty",
			mutate: func(c *Config) {
				c.Registry.BaseURL = ""
			},
		},
		{
			name: "registry timeout must be > 0",
			mutate: func(c *Config) {
				c.Registry.Timeout = 0
			},
		},
		{
			name: "signal url must not be empty",
			mutate: func(c *Config) {
				c.Signal.URL = ""
			},
		},
		{
			name: "signal ping interval must be > 0",
			mutate: func(c *Config) {
				c.Signal.PingInterval = 0
			},
		},
		{
			name: "ice servers must not be empty",
			mutate: func(c *Config) {
				c.WebRTC.ICEServers = nil
			},
		},
		{
			name: "stats interval must be > 0",
			mutate: func(c *Config) {
				c.WebRTC.StatsInterval = 0
			},
		},
		{
			name: "probe interval must be > 0",
			mutate: func(c *Config) {
				c.Latency.ProbeInterval = 0
			},
		},
		{
			name: "encoding delay must be >= 0",
			mutate: func(c *Config) {
				c.Latency.EncodingDelayMs = -1
			},
		},
		{
			name: "capture fps must be > 0",
			mutate: func(c *Config) {
				c.Capture.FPS = 0
			},
		},
		{
			name: "capture quality must be <= 1",
			mutate: func(c *Config) {
				c.Capture.Quality = 1.5
			},
		},
		{
			name: "capture quality must be > 0",
			mutate: func(c *Config) {
				c.Capture.Quality = 0
			},
		},
		{
			name: "capture dimensions must be > 0",
			mutate: func(c *Config) {
				c.Capture.MaxWidth = 0
			},
		},
		{
			name: "prometheus port required when enabled",
			mutate: func(c *Config) {
				c.Monitoring.PrometheusEnabled = true
				c.Monitoring.PrometheusPort = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}
