package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration
type Config struct {
	Cloud   CloudConfig   `yaml:"cloud"`
	API     APIConfig     `yaml:"api"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

type CloudConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables if present
	if v := os.Getenv("TELLSYNC_CLIENT_ID"); v != "" {
		cfg.Cloud.ClientID = v
	}
	if v := os.Getenv("TELLSYNC_CLIENT_SECRET"); v != "" {
		cfg.Cloud.ClientSecret = v
	}
	if v := os.Getenv("TELLSYNC_REFRESH_TOKEN"); v != "" {
		cfg.Cloud.RefreshToken = v
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Cloud.BaseURL == "" {
		c.Cloud.BaseURL = "https://api.telldus.com"
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8654"
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Cloud.ClientID == "" {
		return fmt.Errorf("cloud.client_id is required")
	}
	if c.Cloud.ClientSecret == "" {
		return fmt.Errorf("cloud.client_secret is required")
	}
	if c.Cloud.RefreshToken == "" {
		return fmt.Errorf("cloud.refresh_token is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tellsync.yaml"
	}
	return filepath.Join(home, ".tellsync", "config.yaml")
}

// DefaultStorePath returns the default database location.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tellsync.db"
	}
	return filepath.Join(home, ".tellsync", "tellsync.db")
}
