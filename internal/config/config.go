package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const fileName = "stackline.yml"

// Config models stackline.yml, the per-workspace configuration.
type Config struct {
	Identity struct {
		UserID   string `yaml:"user_id"`
		DeviceID string `yaml:"device_id"`
		AppID    string `yaml:"app_id"`
	} `yaml:"identity"`
	Sync struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"sync"`
	Server struct {
		Listen                 string `yaml:"listen"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Export   struct {
		WidgetPath string `yaml:"widget_path"`
	} `yaml:"export"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Default returns a workable config for a fresh workspace.
func Default(userID, deviceID string) *Config {
	cfg := &Config{}
	cfg.Identity.UserID = userID
	cfg.Identity.DeviceID = deviceID
	cfg.Identity.AppID = "stackline"
	cfg.Server.Listen = "127.0.0.1:7140"
	return cfg
}

// Path returns the config file path inside the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".stackline", fileName)
}

// Load reads and validates config from the workspace. A missing file is not
// an error; defaults apply until the user writes one.
func Load(workspace, userID, deviceID string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(userID, deviceID), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = userID
	}
	if cfg.Identity.DeviceID == "" {
		cfg.Identity.DeviceID = deviceID
	}
	if cfg.Identity.AppID == "" {
		cfg.Identity.AppID = "stackline"
	}
	return cfg, nil
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config back to the workspace.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("webhooks[%d].url must be http(s): %s", i, hook.URL)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhooks[%d].events contains empty type", i)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if c.Sync.Endpoint != "" && !strings.HasPrefix(c.Sync.Endpoint, "http://") && !strings.HasPrefix(c.Sync.Endpoint, "https://") {
		return fmt.Errorf("sync.endpoint must be http(s): %s", c.Sync.Endpoint)
	}
	return nil
}
