// Package config loads the bridge configuration file and environment
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"matterhub/pkg/platform"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PluginEntry configures one plugin to be added at startup.
type PluginEntry struct {
	Path     string          `yaml:"path"`
	Disabled bool            `yaml:"disabled"`
	Config   platform.Config `yaml:"config"`
}

// Config is the bridge configuration document.
type Config struct {
	Name             string   `yaml:"name"`
	Mode             string   `yaml:"mode"`
	StorageDir       string   `yaml:"storageDir"`
	HookTimeout      Duration `yaml:"hookTimeout"`
	ShutdownDeadline Duration `yaml:"shutdownDeadline"`
	DiagInterval     Duration `yaml:"diagInterval"`
	UpdateCheckURL   string   `yaml:"updateCheckUrl"`

	// RetainEndpointNumbers keeps ledger entries for removed devices so
	// surviving devices never get renumbered. Defaults to true in bridge
	// mode.
	RetainEndpointNumbers *bool `yaml:"retainEndpointNumbers"`

	Plugins []PluginEntry `yaml:"plugins"`
}

// Load reads the configuration file at path, applying defaults and
// environment overrides. A missing file yields the defaults.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Warn("No config file found, using defaults", zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		logger.Info("Config loaded", zap.String("path", path))
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "matterhub"
	}
	if c.Mode == "" {
		c.Mode = "bridge"
	}
	if c.StorageDir == "" {
		c.StorageDir = ".matterhub"
	}
	if c.HookTimeout == 0 {
		c.HookTimeout = Duration(30 * time.Second)
	}
	if c.ShutdownDeadline == 0 {
		c.ShutdownDeadline = Duration(20 * time.Second)
	}
	if c.DiagInterval == 0 {
		c.DiagInterval = Duration(5 * time.Minute)
	}
}

// applyEnv lets the environment override the file, matching the deployment
// model where the config file is baked into an image.
func (c *Config) applyEnv() {
	if v := os.Getenv("MATTERHUB_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("MATTERHUB_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("MATTERHUB_UPDATE_URL"); v != "" {
		c.UpdateCheckURL = v
	}
}

// Retain resolves the ledger retention policy.
func (c *Config) Retain() bool {
	if c.RetainEndpointNumbers != nil {
		return *c.RetainEndpointNumbers
	}
	return true
}
