// Package config loads refunc configuration.
//
// Configuration is layered; each layer overrides the previous one:
//  1. Defaults - Default()
//  2. File - YAML file given to Load
//  3. Environment - REFUNC_* variables
//
// Command-line flags are applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/maxgio92/refunc"
)

// EnvPrefix prefixes every environment variable, e.g.
// REFUNC_REPAIR_MAX_DETACH_ATTEMPTS.
const EnvPrefix = "REFUNC"

// Config is the complete refunc configuration.
type Config struct {
	Repair   RepairConfig   `yaml:"repair" envconfig:"REPAIR"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
}

// RepairConfig bounds the repair loops.
type RepairConfig struct {
	// MaxBoundaryIterations bounds the undefine/redefine rounds per address.
	// Env: REPAIR_MAX_BOUNDARY_ITERATIONS
	MaxBoundaryIterations int `yaml:"max_boundary_iterations" envconfig:"MAX_BOUNDARY_ITERATIONS"`

	// MaxDetachAttempts bounds how often a chunk is detached from its owner.
	// Env: REPAIR_MAX_DETACH_ATTEMPTS
	MaxDetachAttempts int `yaml:"max_detach_attempts" envconfig:"MAX_DETACH_ATTEMPTS"`
}

// DatabaseConfig configures the in-memory analysis database.
type DatabaseConfig struct {
	// WalkLimit bounds the instructions decoded per function end lookup.
	// Env: DATABASE_WALK_LIMIT
	WalkLimit int `yaml:"walk_limit" envconfig:"WALK_LIMIT"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a zerolog level name.
	// Env: LOG_LEVEL
	Level string `yaml:"level" envconfig:"LEVEL"`

	// Pretty selects human-readable console output.
	// Env: LOG_PRETTY
	Pretty bool `yaml:"pretty" envconfig:"PRETTY"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Repair: RepairConfig{
			MaxBoundaryIterations: refunc.DefaultMaxBoundaryIterations,
			MaxDetachAttempts:     refunc.DefaultMaxDetachAttempts,
		},
		Database: DatabaseConfig{
			WalkLimit: refunc.DefaultWalkLimit,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load layers the YAML file at path (if not empty) and the environment over
// the defaults, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Variables that are not set leave the field alone.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Repair.MaxBoundaryIterations < 1 {
		return fmt.Errorf("repair.max_boundary_iterations must be positive, got %d", c.Repair.MaxBoundaryIterations)
	}
	if c.Repair.MaxDetachAttempts < 1 {
		return fmt.Errorf("repair.max_detach_attempts must be positive, got %d", c.Repair.MaxDetachAttempts)
	}
	if c.Database.WalkLimit < 1 {
		return fmt.Errorf("database.walk_limit must be positive, got %d", c.Database.WalkLimit)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
