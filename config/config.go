// Package config loads the engine's YAML configuration with defaults and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the engine's full configuration tree.
type Config struct {
	Signaling struct {
		URL          string        `yaml:"url"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
	} `yaml:"signaling"`

	ICE struct {
		STUNServers     []string      `yaml:"stun_servers"`
		CheckTimeout    time.Duration `yaml:"check_timeout"`
		IncludeLoopback bool          `yaml:"include_loopback"`
	} `yaml:"ice"`

	Media struct {
		Preset       string        `yaml:"preset"`
		MaxFrameAge  time.Duration `yaml:"max_frame_age"`
		AudioChannel uint8         `yaml:"audio_channel"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Signaling.PingInterval = 30 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second
	cfg.ICE.STUNServers = []string{"stun.l.google.com:19302"}
	cfg.ICE.CheckTimeout = 10 * time.Second
	cfg.Media.Preset = "balanced"
	cfg.Media.MaxFrameAge = 150 * time.Millisecond
	cfg.Monitoring.PrometheusPort = 9100
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.PongTimeout <= c.Signaling.PingInterval {
		return fmt.Errorf("signaling.pong_timeout must exceed the ping interval")
	}
	if c.ICE.CheckTimeout <= 0 {
		return fmt.Errorf("ice.check_timeout must be > 0")
	}
	if c.Media.Preset == "" {
		return fmt.Errorf("media.preset must not be empty")
	}
	if c.Media.MaxFrameAge <= 0 {
		return fmt.Errorf("media.max_frame_age must be > 0")
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	return nil
}

// Load reads configuration from a YAML file, applying defaults and
// environment overrides. A missing file is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STREAMCORE_SIGNALING_URL"); v != "" {
		c.Signaling.URL = v
	}
	if v := os.Getenv("STREAMCORE_PRESET"); v != "" {
		c.Media.Preset = v
	}
	if v := os.Getenv("STREAMCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
