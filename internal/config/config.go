package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Registry struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"registry"`

	Signal struct {
		URL              string        `yaml:"url"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers    []string      `yaml:"ice_servers"`
		StatsInterval time.Duration `yaml:"stats_interval"`
	} `yaml:"webrtc"`

	Latency struct {
		ProbeInterval   time.Duration `yaml:"probe_interval"`
		EncodingDelayMs float64       `yaml:"encoding_delay_ms"`
	} `yaml:"latency"`

	Capture struct {
		FPS       int     `yaml:"fps"`
		Quality   float64 `yaml:"quality"`
		MaxWidth  int     `yaml:"max_width"`
		MaxHeight int     `yaml:"max_height"`
	} `yaml:"capture"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Registry
	if c.Registry.BaseURL == "" {
		return fmt.Errorf("registry.base_url must not be empty")
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("registry.timeout must be > 0")
	}

	// Signal
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.HandshakeTimeout <= 0 {
		return fmt.Errorf("signal.handshake_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	// WebRTC
	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must not be empty")
	}
	if c.WebRTC.StatsInterval <= 0 {
		return fmt.Errorf("webrtc.stats_interval must be > 0")
	}

	// Latency
	if c.Latency.ProbeInterval <= 0 {
		return fmt.Errorf("latency.probe_interval must be > 0")
	}
	if c.Latency.EncodingDelayMs < 0 {
		return fmt.Errorf("latency.encoding_delay_ms must be >= 0")
	}

	// Capture
	if c.Capture.FPS <= 0 {
		return fmt.Errorf("capture.fps must be > 0")
	}
	if c.Capture.Quality <= 0 || c.Capture.Quality > 1 {
		return fmt.Errorf("capture.quality must be in (0, 1]")
	}
	if c.Capture.MaxWidth <= 0 || c.Capture.MaxHeight <= 0 {
		return fmt.Errorf("capture.max_width and max_height must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A .env file next to the binary is honored the same way the
// process environment is; real env vars take precedence over .env values.
func Load(configPath string) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Registry.BaseURL = "http://localhost:8000"
	cfg.Registry.Timeout = 10 * time.Second

	cfg.Signal.URL = "ws://localhost:8000/ws"
	cfg.Signal.HandshakeTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 20 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.WebRTC.ICEServers = []string{"stun:stun.l.google.com:19302"}
	cfg.WebRTC.StatsInterval = time.Second

	cfg.Latency.ProbeInterval = 5 * time.Second
	cfg.Latency.EncodingDelayMs = 30

	cfg.Capture.FPS = 10
	cfg.Capture.Quality = 0.8
	cfg.Capture.MaxWidth = 640
	cfg.Capture.MaxHeight = 480

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.PrometheusPort = 9091

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("CRC_REGISTRY_URL"); url != "" {
		c.Registry.BaseURL = url
	}
	if url := os.Getenv("CRC_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if level := os.Getenv("CRC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
