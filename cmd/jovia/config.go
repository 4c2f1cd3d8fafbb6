package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/jovia/internal/api"
	"github.com/samcharles93/jovia/internal/inference"
	"github.com/samcharles93/jovia/internal/model"
	"github.com/samcharles93/jovia/internal/tokenizer"
)

// Config represents the jovia configuration file (~/.config/jovia/config.yaml).
// Sampling fields are pointers so "not set" differs from zero.
type Config struct {
	// Sampling defaults. eos_token also selects the loader's EOS marker.
	inference.GenDefaults `yaml:",inline"`

	// Single model used by run, bench and serve without a models table.
	Backend   model.Spec     `yaml:"backend"`
	Tokenizer tokenizer.Spec `yaml:"tokenizer"`
	Template  string         `yaml:"template"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string                     `yaml:"server_address"`
	DefaultModel  string                     `yaml:"default_model"`
	Models        map[string]api.ModelConfig `yaml:"models"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "jovia", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLogConfig applies config file logging defaults when the
// corresponding flag was not given.
func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyStreamConfig applies the config file stream mode.
func applyStreamConfig(c *cli.Command, cfg Config, streamMode *string) {
	if cfg.StreamMode != "" && !c.IsSet("stream-mode") {
		*streamMode = cfg.StreamMode
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

type configKey struct{}

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}
