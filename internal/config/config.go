// Package config loads and persists the engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AppName        = "Aurora"
	AppTagline     = "Lossless internet radio engine"
	AppDescription = "A continuous single-station internet radio player"

	ConfigDir      = ".config/aurora"
	ConfigFileName = "config.yml"

	DefaultVolume = 70
	MinVolume     = 0
	MaxVolume     = 100

	DefaultStreamURL   = "https://stream.aurorafm.example/live/lossless"
	DefaultMetadataURL = "https://api.aurorafm.example/nowplaying.json"
)

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/aurorafm/aurora/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

type Config struct {
	StreamURL   string `yaml:"stream_url"`
	MetadataURL string `yaml:"metadata_url"`

	Volume        int  `yaml:"volume"`
	Notifications bool `yaml:"notifications"`

	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	DebounceSeconds       int `yaml:"debounce_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	BackoffBaseSeconds   int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds    int `yaml:"backoff_cap_seconds"`

	HistorySize int `yaml:"history_size"`
}

func DefaultConfig() *Config {
	return &Config{
		StreamURL:             DefaultStreamURL,
		MetadataURL:           DefaultMetadataURL,
		Volume:                DefaultVolume,
		Notifications:         true,
		PollIntervalSeconds:   10,
		DebounceSeconds:       2,
		RequestTimeoutSeconds: 10,
		MaxReconnectAttempts:  5,
		BackoffBaseSeconds:    1,
		BackoffCapSeconds:     30,
		HistorySize:           10,
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ConfigDir, ConfigFileName), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps and backfills values a hand-edited file may have
// broken.
func (c *Config) Normalize() {
	c.Volume = ClampVolume(c.Volume)
	if c.StreamURL == "" {
		c.StreamURL = DefaultStreamURL
	}
	if c.MetadataURL == "" {
		c.MetadataURL = DefaultMetadataURL
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 10
	}
	if c.DebounceSeconds < 0 {
		c.DebounceSeconds = 0
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 10
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 1
	}
	if c.BackoffCapSeconds < c.BackoffBaseSeconds {
		c.BackoffCapSeconds = 30
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 10
	}
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	return nil
}
