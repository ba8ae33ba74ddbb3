// Package config loads and validates configuration for the memory
// persistence core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete engine configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Indexer    IndexerConfig    `mapstructure:"indexer"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Causal     CausalConfig     `mapstructure:"causal"`
	History    HistoryConfig    `mapstructure:"history"`
	Access     AccessConfig     `mapstructure:"access"`
	Git        GitConfig        `mapstructure:"git"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig holds embedded-store configuration.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// IndexerConfig holds incremental-indexer configuration (C2).
type IndexerConfig struct {
	FastPathWindowMs int `mapstructure:"fast_path_window_ms"`
	MaxRetries       int `mapstructure:"max_retries"`
}

// CheckpointConfig holds checkpoint engine configuration (C7).
type CheckpointConfig struct {
	MaxCheckpoints   int `mapstructure:"max_checkpoints"`
	TTLDays          int `mapstructure:"ttl_days"`
	MaxUncompressedMB int `mapstructure:"max_uncompressed_mb"`
}

// CausalConfig holds causal-graph configuration (C6).
type CausalConfig struct {
	MaxEdgesPerQuery int `mapstructure:"max_edges_per_query"`
	DefaultMaxDepth  int `mapstructure:"default_max_depth"`
	MinMaxDepth      int `mapstructure:"min_max_depth"`
	MaxMaxDepth      int `mapstructure:"max_max_depth"`
}

// HistoryConfig holds history & undo configuration (C4).
type HistoryConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// AccessConfig holds access-tracker configuration (C5).
type AccessConfig struct {
	Increment       float64 `mapstructure:"increment"`
	FlushThreshold  float64 `mapstructure:"flush_threshold"`
}

// GitConfig holds git branch-detection configuration (§5 Timeouts).
type GitConfig struct {
	CommandTimeoutMs int `mapstructure:"command_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// DefaultConfig returns configuration with the engine's verified defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".memcore")

	return &Config{
		Database: DatabaseConfig{
			Path:        filepath.Join(configDir, "memcore.db"),
			AutoMigrate: true,
		},
		Indexer: IndexerConfig{
			FastPathWindowMs: 1000,
			MaxRetries:       3,
		},
		Checkpoint: CheckpointConfig{
			MaxCheckpoints:    10,
			TTLDays:           30,
			MaxUncompressedMB: 100,
		},
		Causal: CausalConfig{
			MaxEdgesPerQuery: 100,
			DefaultMaxDepth:  3,
			MinMaxDepth:      1,
			MaxMaxDepth:      10,
		},
		History: HistoryConfig{
			RetentionDays: 90,
		},
		Access: AccessConfig{
			Increment:      0.1,
			FlushThreshold: 0.5,
		},
		Git: GitConfig{
			CommandTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from YAML file with fallback to defaults.
// Searches in multiple locations:
// 1. ./config.yaml (current directory)
// 2. ~/.memcore/config.yaml (user home)
// 3. /etc/memcore/config.yaml (system-wide)
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration the same way Load does, except that when
// explicitPath is non-empty it is read directly instead of searching the
// default locations — used by the CLI's --config flag.
func LoadFrom(explicitPath string) (*Config, error) {
	v := viper.New()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".memcore"))
		v.AddConfigPath("/etc/memcore")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment override, per spec.md §6.
	if ms := os.Getenv("GIT_COMMAND_TIMEOUT_MS"); ms != "" {
		v.Set("git.command_timeout_ms", ms)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("indexer.fast_path_window_ms", d.Indexer.FastPathWindowMs)
	v.SetDefault("indexer.max_retries", d.Indexer.MaxRetries)

	v.SetDefault("checkpoint.max_checkpoints", d.Checkpoint.MaxCheckpoints)
	v.SetDefault("checkpoint.ttl_days", d.Checkpoint.TTLDays)
	v.SetDefault("checkpoint.max_uncompressed_mb", d.Checkpoint.MaxUncompressedMB)

	v.SetDefault("causal.max_edges_per_query", d.Causal.MaxEdgesPerQuery)
	v.SetDefault("causal.default_max_depth", d.Causal.DefaultMaxDepth)
	v.SetDefault("causal.min_max_depth", d.Causal.MinMaxDepth)
	v.SetDefault("causal.max_max_depth", d.Causal.MaxMaxDepth)

	v.SetDefault("history.retention_days", d.History.RetentionDays)

	v.SetDefault("access.increment", d.Access.Increment)
	v.SetDefault("access.flush_threshold", d.Access.FlushThreshold)

	v.SetDefault("git.command_timeout_ms", d.Git.CommandTimeoutMs)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Checkpoint.MaxCheckpoints <= 0 {
		return fmt.Errorf("checkpoint.max_checkpoints must be > 0")
	}
	if c.Checkpoint.TTLDays <= 0 {
		return fmt.Errorf("checkpoint.ttl_days must be > 0")
	}

	if c.Causal.MinMaxDepth < 1 {
		return fmt.Errorf("causal.min_max_depth must be >= 1")
	}
	if c.Causal.MaxMaxDepth < c.Causal.MinMaxDepth {
		return fmt.Errorf("causal.max_max_depth must be >= causal.min_max_depth")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func (c *Config) EnsureConfigDir() error {
	dir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// CommandTimeout returns the configured git command timeout as a Duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Git.CommandTimeoutMs) * time.Millisecond
}
