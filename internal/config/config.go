// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the agentfs YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"agentfs/internal/artifacts"
)

// Environment variables consulted on top of the config file.
const (
	EnvConfigDir   = "AGENTFS_CONFIG_DIR"
	EnvDB          = "AGENTFS_DB"
	EnvBusyTimeout = "AGENTFS_BUSY_TIMEOUT"
)

// Defaults
const (
	DefaultAgentID      = "default"
	DefaultMountPath    = "/agent"
	DefaultDriver       = "sqlite"
	DefaultDBFile       = "agent.db"
	DefaultBusyTimeout  = 30000
	DefaultMaxOpenConns = 1
	DefaultLockRetries  = 3
	DefaultChunkSize    = 16384
	DefaultMaxSymlinks  = 40
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// Config is the top-level configuration file.
type Config struct {
	AgentID   string        `yaml:"agent_id" validate:"required,max=128"`
	MountPath string        `yaml:"mount_path" validate:"required,startswith=/"`
	Storage   StorageConfig `yaml:"storage"`
	FS        FSConfig      `yaml:"fs"`
	Logging   LoggingConfig `yaml:"logging"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// StorageConfig selects and tunes the relational backend.
type StorageConfig struct {
	Driver       string `yaml:"driver" validate:"required,oneof=sqlite postgres"`
	Path         string `yaml:"path" validate:"required_if=Driver sqlite"`
	DSN          string `yaml:"dsn" validate:"required_if=Driver postgres"`
	BusyTimeout  int    `yaml:"busy_timeout" validate:"gte=0"` // ms, sqlite only
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
	LockRetries  uint   `yaml:"lock_retries" validate:"lte=20"`
}

// FSConfig tunes the filesystem core.
type FSConfig struct {
	ChunkSize   int    `yaml:"chunk_size" validate:"gte=512,lte=1048576"`
	MaxSymlinks int    `yaml:"max_symlinks" validate:"gte=1,lte=1024"`
	Compression string `yaml:"compression" validate:"oneof=none zstd"`
}

// LoggingConfig controls logrus output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=none error warn info debug trace"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig toggles Prometheus instrumentation of filesystem operations.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

var validate = validator.New()

// Dir returns the configuration directory.
// Uses AGENTFS_CONFIG_DIR if set, otherwise ~/.agentfs.
func Dir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentfs")
}

// Path returns the default config file path.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// EnsureDir creates the config directory if it doesn't exist
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0700)
}

// Init writes the default config file unless one already exists.
// Returns the config file path.
func Init() (string, error) {
	if err := EnsureDir(); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	path := Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, artifacts.DefaultConfig, 0600); err != nil {
			return "", fmt.Errorf("failed to write default config: %w", err)
		}
	}
	return path, nil
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := Parse(artifacts.DefaultConfig)
	if err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	return cfg
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromPath loads the config from a specific file path.
// Returns nil if the config file does not exist.
func LoadFromPath(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return Parse(data)
}

// Load reads configPath (or the default path when empty), falling back to the
// embedded defaults when no file exists, then applies environment overrides.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = Path()
	}
	cfg, err := LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.AgentID == "" {
		cfg.AgentID = DefaultAgentID
	}
	if cfg.MountPath == "" {
		cfg.MountPath = DefaultMountPath
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultDriver
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultDBFile
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Storage.MaxOpenConns == 0 && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.MaxOpenConns = DefaultMaxOpenConns
	}
	if cfg.Storage.LockRetries == 0 {
		cfg.Storage.LockRetries = DefaultLockRetries
	}
	if cfg.FS.ChunkSize == 0 {
		cfg.FS.ChunkSize = DefaultChunkSize
	}
	if cfg.FS.MaxSymlinks == 0 {
		cfg.FS.MaxSymlinks = DefaultMaxSymlinks
	}
	if cfg.FS.Compression == "" {
		cfg.FS.Compression = "none"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
}

// ApplyEnv applies environment variable overrides.
func (cfg *Config) ApplyEnv() {
	if db := os.Getenv(EnvDB); db != "" {
		cfg.SetDatabase(db)
	}
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			cfg.Storage.BusyTimeout = timeout
		}
	}
}

// SetDatabase points the storage section at db: a PostgreSQL DSN when it has
// a postgres:// scheme, a SQLite file path otherwise.
func (cfg *Config) SetDatabase(db string) {
	if strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://") {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = db
		return
	}
	cfg.Storage.Driver = "sqlite"
	if abs, err := filepath.Abs(db); err == nil && !strings.HasPrefix(db, "file:") && db != ":memory:" {
		db = abs
	}
	cfg.Storage.Path = db
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = DefaultMaxOpenConns
	}
}

// Validate checks struct constraints.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DatabasePath returns the SQLite file path, resolved against the config
// directory when relative.
func (cfg *Config) DatabasePath() string {
	p := cfg.Storage.Path
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || strings.HasPrefix(p, "file:") {
		return p
	}
	return filepath.Join(Dir(), p)
}

// LoggingEnabled returns whether logging is enabled (any level other than "none").
func (cfg *Config) LoggingEnabled() bool {
	return cfg.Logging.Level != "none"
}
