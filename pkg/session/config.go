package session

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/go-drift/propbridge/pkg/bridge"
)

// Config holds session settings, usually read from propbridge.yaml.
type Config struct {
	Name              string        `yaml:"name,omitempty"`
	LogLevel          string        `yaml:"log_level,omitempty"`
	StrictConsistency bool          `yaml:"strict_consistency,omitempty"`
	DrainBudget       time.Duration `yaml:"drain_budget,omitempty"`
	Metrics           MetricsConfig `yaml:"metrics"`
	Codec             string        `yaml:"codec,omitempty"`
}

// MetricsConfig controls courier metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// LoadConfig reads a yaml config file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}.withDefaults()
		}
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg.withDefaults()
}

// withDefaults fills unset fields and validates the rest.
func (c Config) withDefaults() (Config, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "propbridge"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return Config{}, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.DrainBudget < 0 {
		return Config{}, fmt.Errorf("drain_budget must not be negative, got %s", c.DrainBudget)
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "propbridge"
	}
	if c.Codec == "" {
		c.Codec = bridge.DefaultCodec.Name()
	}
	if _, err := bridge.CodecByName(c.Codec); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Level returns the parsed log level.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// BridgeCodec returns the codec named by Codec.
func (c Config) BridgeCodec() (bridge.Codec, error) {
	return bridge.CodecByName(c.Codec)
}
