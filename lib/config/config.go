// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Causeway components.
//
// Configuration is environment-first: every setting has a CAUSEWAY_*
// environment variable. An optional YAML file (pointed at by
// CAUSEWAY_CONFIG or an explicit path) supplies a base that individual
// environment variables override. There is no other discovery — what
// you set is what runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile is the environment variable naming the optional YAML
// config file.
const EnvConfigFile = "CAUSEWAY_CONFIG"

// Config holds the settings for the database lifecycle subsystem.
type Config struct {
	// Encryption controls whether databases are protected by master
	// keys at rest. Enabled by default; disabling it is unsafe for
	// production use and is logged loudly at startup.
	Encryption bool `env:"CAUSEWAY_ENCRYPTION" yaml:"encryption"`

	// Identity is the machine identity supplied directly. Takes
	// priority over IdentityFile and the OS secure store.
	Identity string `env:"CAUSEWAY_IDENTITY" yaml:"identity"`

	// IdentityFile is a path to a file holding the machine identity.
	// Consulted when Identity is empty; a read failure is fatal.
	IdentityFile string `env:"CAUSEWAY_IDENTITY_FILE" yaml:"identity_file"`

	// DataDir is the root directory for database storage. The backend
	// database lives in <DataDir>/backend, each project database in
	// <DataDir>/projects/<projectID>.
	DataDir string `env:"CAUSEWAY_DATA_DIR" yaml:"data_dir"`

	// KeyTTLSeconds bounds how long a decrypted project master key
	// stays in the in-process cache before the unlock collaborator is
	// consulted again.
	KeyTTLSeconds int `env:"CAUSEWAY_KEY_TTL_SECONDS" yaml:"key_ttl_seconds"`
}

// Default returns the default configuration: encryption on, a 30 second
// key cache, data under the user's state directory.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Encryption:    true,
		DataDir:       filepath.Join(homeDir, ".local", "share", "causeway"),
		KeyTTLSeconds: 30,
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// named by CAUSEWAY_CONFIG (when set), then CAUSEWAY_* environment
// variables. Later sources win; an environment variable that is not set
// leaves the underlying value untouched.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds the configuration from an explicit YAML file plus
// environment overrides. Used by CLIs that take a --config flag.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// KeyTTL returns the key cache lifetime as a duration.
func (c *Config) KeyTTL() time.Duration {
	return time.Duration(c.KeyTTLSeconds) * time.Second
}

// BackendDir returns the backend database storage directory.
func (c *Config) BackendDir() string {
	return filepath.Join(c.DataDir, "backend")
}

// ProjectDir returns the storage directory for one project's database.
func (c *Config) ProjectDir(projectID string) string {
	return filepath.Join(c.DataDir, "projects", projectID)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.KeyTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("key_ttl_seconds must be positive, got %d", c.KeyTTLSeconds))
	}
	if c.Identity != "" && c.IdentityFile != "" {
		errs = append(errs, fmt.Errorf("identity and identity_file are mutually exclusive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
