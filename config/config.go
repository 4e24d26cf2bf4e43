// Package config manages configuration for the commlog engine CLI.
// Configuration is loaded from a YAML file (default: ~/.commlog/config.yaml)
// with COMMLOG_* environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/practicepulse/commlog-engine/pkg/db"
)

// DefaultConfigDir is the directory under $HOME where config lives.
const DefaultConfigDir = ".commlog"

// DefaultConfigFile is the config file name.
const DefaultConfigFile = "config.yaml"

// RedisConfig holds the connection settings for the run-lock store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PipelineConfig holds the tunable parameters of a classification run.
type PipelineConfig struct {
	// Stream names the output stream whose watermark and lock this engine owns.
	Stream string `yaml:"stream"`

	// BatchLimit caps how many raw rows a single run reads. Exceeding the cap
	// defers the remainder to the next run; it is not an error.
	BatchLimit int `yaml:"batch_limit"`

	// Workers is the number of goroutines sharding the per-event stages.
	Workers int `yaml:"workers"`

	// ReplyWindow is the trailing window in which an inbound message counts
	// as a reply to an outbound one.
	ReplyWindow time.Duration `yaml:"reply_window"`

	// BatchWindow is the half-width of the identical-content window used by
	// the automation batch signal.
	BatchWindow time.Duration `yaml:"batch_window"`

	// BatchPatientThreshold is the distinct-patient count that must be
	// exceeded for the batch signal to fire.
	BatchPatientThreshold int `yaml:"batch_patient_threshold"`

	// SimilarityThreshold is the minimum trigram similarity for a template
	// match, on a 0-1 scale.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// FollowUpDefault is added to occurred_at when follow-up is required and
	// no explicit date is parseable.
	FollowUpDefault time.Duration `yaml:"follow_up_default"`

	// LockTTL bounds how long a run may hold the stream lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// Config is the top-level engine configuration.
type Config struct {
	Database *db.Config     `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Pipeline PipelineConfig `yaml:"pipeline"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	Environment string `yaml:"environment"`
}

// Default returns a Config with production-safe defaults.
func Default() *Config {
	return &Config{
		Database: db.DefaultConfig(),
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Pipeline: PipelineConfig{
			Stream:                "commlog",
			BatchLimit:            10000,
			Workers:               4,
			ReplyWindow:           72 * time.Hour,
			BatchWindow:           5 * time.Minute,
			BatchPatientThreshold: 3,
			SimilarityThreshold:   0.4,
			FollowUpDefault:       7 * 24 * time.Hour,
			LockTTL:               15 * time.Minute,
		},
		LogLevel:    "info",
		Environment: "development",
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DefaultConfigDir, DefaultConfigFile)
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
}

// Load reads configuration from path, falling back to defaults for any
// missing values and applying environment overrides last. A missing file is
// not an error; defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from COMMLOG_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("COMMLOG_STREAM"); v != "" {
		c.Pipeline.Stream = v
	}
	if v := os.Getenv("COMMLOG_BATCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.BatchLimit = n
		}
	}
	if v := os.Getenv("COMMLOG_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("COMMLOG_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pipeline.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("COMMLOG_REPLY_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pipeline.ReplyWindow = d
		}
	}
	if v := os.Getenv("COMMLOG_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("COMMLOG_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("COMMLOG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("COMMLOG_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Pipeline.Stream == "" {
		return fmt.Errorf("pipeline stream name is required")
	}
	if c.Pipeline.BatchLimit <= 0 {
		return fmt.Errorf("batch_limit must be positive, got %d", c.Pipeline.BatchLimit)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.SimilarityThreshold <= 0 || c.Pipeline.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0,1], got %v", c.Pipeline.SimilarityThreshold)
	}
	if c.Pipeline.ReplyWindow <= 0 {
		return fmt.Errorf("reply_window must be positive, got %v", c.Pipeline.ReplyWindow)
	}
	if c.Pipeline.BatchWindow <= 0 {
		return fmt.Errorf("batch_window must be positive, got %v", c.Pipeline.BatchWindow)
	}
	if c.Pipeline.BatchPatientThreshold <= 0 {
		return fmt.Errorf("batch_patient_threshold must be positive, got %d", c.Pipeline.BatchPatientThreshold)
	}
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database config: %w", err)
		}
	}
	return nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
