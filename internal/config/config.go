// Package config loads and validates the vfskit configuration from
// defaults, a YAML file, and VFSKIT_* environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/vfskit/vfskit/internal/cache"
	"github.com/vfskit/vfskit/internal/events"
	"github.com/vfskit/vfskit/internal/locks"
)

// Configuration represents the complete vfskit configuration.
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Caches  cache.Config  `yaml:"caches"`
	Locks   locks.Config  `yaml:"locks"`
	Events  events.Config `yaml:"events"`
	Metrics MetricsConfig `yaml:"metrics"`
	Storage StorageConfig `yaml:"storage"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// MetricsConfig represents the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig represents block device backend settings.
type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config represents the S3 block device backend.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	BlockSize int    `yaml:"block_size"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
			LogFile:  "",
		},
		Caches:  *cache.DefaultConfig(),
		Locks:   locks.DefaultConfig(),
		Events:  events.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
		Storage: StorageConfig{
			S3: S3Config{
				Region:    "us-east-1",
				BlockSize: 4096,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("VFSKIT_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("VFSKIT_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("VFSKIT_BLOCK_CACHE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Caches.Blocks.MaxBlocks = n
		}
	}
	if val := os.Getenv("VFSKIT_NODE_CACHE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Caches.Nodes.MaxNodes = n
		}
	}
	if val := os.Getenv("VFSKIT_DENTRY_CACHE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Caches.Dentries.MaxEntries = n
		}
	}

	if val := os.Getenv("VFSKIT_MAX_LOCKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Locks.MaxLocks = n
		}
	}
	if val := os.Getenv("VFSKIT_EVENT_RATE_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Events.RatePerSec = n
		}
	}

	if val := os.Getenv("VFSKIT_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("VFSKIT_METRICS_ADDR"); val != "" {
		c.Metrics.ListenAddr = val
	}

	if val := os.Getenv("VFSKIT_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("VFSKIT_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("VFSKIT_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Caches.Blocks.MaxBlocks <= 0 || c.Caches.Blocks.Buckets <= 0 {
		return fmt.Errorf("block cache sizing must be greater than 0")
	}
	if c.Caches.Blocks.BlockSize <= 0 || c.Caches.Blocks.BlockSize%512 != 0 {
		return fmt.Errorf("block_size must be a positive multiple of 512")
	}
	if c.Caches.Nodes.MaxNodes <= 0 || c.Caches.Nodes.Buckets <= 0 {
		return fmt.Errorf("node cache sizing must be greater than 0")
	}
	if c.Caches.Dentries.MaxEntries <= 0 || c.Caches.Dentries.Buckets <= 0 {
		return fmt.Errorf("dentry cache sizing must be greater than 0")
	}

	if c.Locks.MaxLocks <= 0 {
		return fmt.Errorf("max_locks must be greater than 0")
	}

	if c.Events.PoolSize <= 0 {
		return fmt.Errorf("event pool_size must be greater than 0")
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("event queue_size must be greater than 0")
	}
	if c.Events.RatePerSec < 0 {
		return fmt.Errorf("event rate_per_sec cannot be negative")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics listen_addr required when metrics are enabled")
	}

	return nil
}
