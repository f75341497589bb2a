// Package config provides YAML-based configuration loading for Darkroom.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Darkroom configuration, loaded from darkroom.yaml.
type Config struct {
	Platform     string          `yaml:"platform"` // "discord" or "slack"
	Storage      StorageConfig   `yaml:"storage"`
	Discord      DiscordConfig   `yaml:"discord"`
	Slack        SlackConfig     `yaml:"slack"`
	Backend      BackendConfig   `yaml:"backend"`
	Models       []ModelConfig   `yaml:"models"`
	Orientations []string        `yaml:"orientations"`
	Moderation   ModConfig       `yaml:"moderation"`
	Translate    TranslateConfig `yaml:"translate"`
	Digest       DigestConfig    `yaml:"digest"`
	Dashboard    DashboardConfig `yaml:"dashboard"`
	AllowedUsers []string        `yaml:"allowed_users"` // platform user IDs; empty = everyone
}

// StorageConfig selects the history storage engine.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// DiscordConfig holds Discord adapter settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack adapter settings.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// BackendConfig holds connection settings for the image generation backend.
type BackendConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"` // per-request ceiling; 0 = no ceiling
}

// ModelConfig describes one selectable generation model.
type ModelConfig struct {
	Name        string            `yaml:"name"`
	Checkpoint  string            `yaml:"checkpoint"`
	Description string            `yaml:"description"`
	Sizes       map[string]string `yaml:"sizes"`  // orientation name -> "WxH"
	Params      map[string]any    `yaml:"params"` // passed through to the backend payload
}

// ModConfig holds moderation word-list sources.
type ModConfig struct {
	WordsFile string   `yaml:"words_file"`
	Words     []string `yaml:"words"`
}

// TranslateConfig holds prompt translation settings. An empty URL disables
// translation (prompts pass through unchanged).
type TranslateConfig struct {
	URL    string `yaml:"url"`
	Target string `yaml:"target"`
}

// DigestConfig controls the daily usage digest posted to the chat channel.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"` // 5-field cron expression
}

// DashboardConfig controls the read-only HTTP dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "darkroom.db"
	}
	if c.Storage.Driver == "mysql" {
		if c.Storage.Host == "" {
			c.Storage.Host = "127.0.0.1"
		}
		if c.Storage.Port == 0 {
			c.Storage.Port = 3306
		}
		if c.Storage.Database == "" {
			c.Storage.Database = "darkroom"
		}
	}
	if c.Backend.URL == "" {
		c.Backend.URL = "http://127.0.0.1:7860"
	}
	if len(c.Orientations) == 0 {
		c.Orientations = []string{"portrait", "landscape", "square"}
	}
	if c.Digest.Enabled && c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * *"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Translate.URL != "" && c.Translate.Target == "" {
		c.Translate.Target = "en"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Models) == 0 {
		errs = append(errs, "at least one model is required")
	}
	for i, m := range c.Models {
		if m.Name == "" {
			errs = append(errs, fmt.Sprintf("models[%d].name is required", i))
		}
		if m.Checkpoint == "" {
			errs = append(errs, fmt.Sprintf("models[%d].checkpoint is required", i))
		}
		for _, o := range c.Orientations {
			if _, ok := m.Sizes[o]; !ok {
				errs = append(errs, fmt.Sprintf("models[%d].sizes missing orientation %q", i, o))
			}
		}
	}
	switch c.Storage.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported (sqlite, mysql)", c.Storage.Driver))
	}
	switch c.Platform {
	case "":
		// platform is optional at load time; serve checks it separately
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required when platform is discord")
		}
	case "slack":
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required when platform is slack")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required when platform is slack")
		}
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported (discord, slack)", c.Platform))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Model returns the model config at index, or false when out of range.
func (c *Config) Model(index int) (ModelConfig, bool) {
	if index < 0 || index >= len(c.Models) {
		return ModelConfig{}, false
	}
	return c.Models[index], true
}

// Orientation returns the orientation name at index, or false when out of range.
func (c *Config) Orientation(index int) (string, bool) {
	if index < 0 || index >= len(c.Orientations) {
		return "", false
	}
	return c.Orientations[index], true
}

// ImageSize resolves the "WxH" size string for a model/orientation pair.
func (c *Config) ImageSize(model, orientation int) (string, error) {
	m, ok := c.Model(model)
	if !ok {
		return "", fmt.Errorf("config: model index %d out of range", model)
	}
	o, ok := c.Orientation(orientation)
	if !ok {
		return "", fmt.Errorf("config: orientation index %d out of range", orientation)
	}
	size, ok := m.Sizes[o]
	if !ok {
		return "", fmt.Errorf("config: model %q has no size for orientation %q", m.Name, o)
	}
	return size, nil
}
