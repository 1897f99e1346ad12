package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models protolab.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Notifications struct {
		WebhookURL     string `yaml:"webhook_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		QueueSize      int    `yaml:"queue_size"`
	} `yaml:"notifications"`
	Directory struct {
		// Names maps uid -> display name for notification text. A real
		// deployment would point at a profile service instead.
		Names map[string]string `yaml:"names"`
	} `yaml:"directory"`
}

// Default returns a config suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Notifications.TimeoutSeconds = 5
	cfg.Notifications.QueueSize = 256
	return cfg
}

// Path returns the config file location inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "protolab.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	if c.Notifications.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.notifications.timeout_seconds must be positive")
	}
	if c.Notifications.QueueSize <= 0 {
		return fmt.Errorf("config.notifications.queue_size must be positive")
	}
	return nil
}
