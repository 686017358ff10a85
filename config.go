// config.go: Host configuration model, defaults, validation and file loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// Record store backends
const (
	RecordBackendMemory = "memory"
	RecordBackendSQL    = "sql"
	RecordBackendRedis  = "redis"
)

// HostConfig is the file-level configuration of a plugin host.
//
// Example (YAML):
//
//	plugins_dir: ./plugins
//	data_root: ./config
//	evict_missing: true
//	disabled: [legacy-reports]
//	watch:
//	  enabled: true
//	  debounce: 250ms
//	records:
//	  backend: sql
//	database:
//	  dsn: ${DB_USER:-root}:${DB_PASSWORD}@tcp(localhost:3306)/app?parseTime=true
type HostConfig struct {
	PluginsDir      string   `json:"plugins_dir" yaml:"plugins_dir"`
	BundleExtension string   `json:"bundle_extension" yaml:"bundle_extension"`
	DataRoot        string   `json:"data_root" yaml:"data_root"`
	EvictMissing    bool     `json:"evict_missing" yaml:"evict_missing"`
	HashWorkers     int      `json:"hash_workers" yaml:"hash_workers"`
	Disabled        []string `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	Watch    WatchConfig    `json:"watch" yaml:"watch"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Records  RecordsConfig  `json:"records" yaml:"records"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// WatchConfig controls bundle and configuration file watching.
type WatchConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Debounce           time.Duration `json:"debounce" yaml:"debounce"`
	ConfigPollInterval time.Duration `json:"config_poll_interval" yaml:"config_poll_interval"`
}

// DatabaseConfig configures the SQL data source used by the database
// installer and the SQL record store.
type DatabaseConfig struct {
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	PingAttempts    int           `json:"ping_attempts" yaml:"ping_attempts"`
	PingInterval    time.Duration `json:"ping_interval" yaml:"ping_interval"`
}

// RedisConfig configures the Redis record store.
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// RecordsConfig selects the record store backend.
type RecordsConfig struct {
	Backend string `json:"backend" yaml:"backend"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultHostConfig returns a configuration with every default applied.
func DefaultHostConfig() HostConfig {
	var cfg HostConfig
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields with their defaults.
func (c *HostConfig) ApplyDefaults() {
	if c.PluginsDir == "" {
		c.PluginsDir = DefaultPluginsDir
	}
	if c.BundleExtension == "" {
		c.BundleExtension = DefaultBundleExtension
	}
	if c.DataRoot == "" {
		c.DataRoot = DefaultDataRoot
	}
	if c.HashWorkers == 0 {
		c.HashWorkers = DefaultHashWorkers
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = 250 * time.Millisecond
	}
	if c.Watch.ConfigPollInterval == 0 {
		c.Watch.ConfigPollInterval = 2 * time.Second
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.PingAttempts == 0 {
		c.Database.PingAttempts = 5
	}
	if c.Database.PingInterval == 0 {
		c.Database.PingInterval = time.Second
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "pluginhost"
	}
	if c.Records.Backend == "" {
		c.Records.Backend = RecordBackendMemory
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "pluginhost"
	}
}

// Validate checks the configuration for consistency.
func (c *HostConfig) Validate() error {
	if strings.TrimSpace(c.PluginsDir) == "" {
		return NewConfigValidationError("plugins_dir is required")
	}
	if strings.TrimSpace(c.DataRoot) == "" {
		return NewConfigValidationError("data_root is required")
	}
	if c.HashWorkers < 0 {
		return NewConfigValidationError("hash_workers cannot be negative")
	}
	if c.Watch.Debounce < 0 || c.Watch.ConfigPollInterval < 0 {
		return NewConfigValidationError("watch intervals cannot be negative")
	}
	for _, name := range c.Disabled {
		if err := validateModuleName(name); err != nil {
			return NewConfigValidationError(fmt.Sprintf("disabled module %q: %v", name, err))
		}
	}

	switch c.Records.Backend {
	case RecordBackendMemory:
	case RecordBackendSQL:
		if c.Database.DSN == "" {
			return NewConfigValidationError("database.dsn is required for the sql record backend")
		}
	case RecordBackendRedis:
		if c.Redis.Address == "" {
			return NewConfigValidationError("redis.address is required for the redis record backend")
		}
	default:
		return NewConfigValidationError("unknown records.backend " + c.Records.Backend)
	}

	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 || c.Database.PingAttempts < 0 {
		return NewConfigValidationError("database pool settings cannot be negative")
	}
	return nil
}

// RegistryConfig converts the file settings into a RegistryConfig. Runtime
// collaborators (logger, metrics, installers) are left for the caller.
func (c *HostConfig) RegistryConfig() RegistryConfig {
	return RegistryConfig{
		PluginsDir:      c.PluginsDir,
		BundleExtension: c.BundleExtension,
		DataRoot:        c.DataRoot,
		EvictMissing:    c.EvictMissing,
		HashWorkers:     c.HashWorkers,
		Disabled:        append([]string(nil), c.Disabled...),
	}
}

// LoadHostConfig reads, expands, parses and validates a configuration file.
// The format is detected from the extension; JSON and TOML go through argus,
// YAML through yaml.v3.
func LoadHostConfig(path string) (HostConfig, error) {
	return LoadHostConfigWithEnv(path, DefaultEnvConfigOptions())
}

// LoadHostConfigWithEnv is LoadHostConfig with explicit expansion options.
func LoadHostConfigWithEnv(path string, envOptions EnvConfigOptions) (HostConfig, error) {
	var cfg HostConfig

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - operator supplied configuration path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, NewConfigNotFoundError(cleanPath, err)
		}
		return cfg, NewConfigParseError(cleanPath, err)
	}

	expanded, err := ExpandEnvironmentVariables(string(data), envOptions)
	if err != nil {
		return cfg, err
	}

	if err := parseHostConfig([]byte(expanded), argus.DetectFormat(cleanPath), &cfg); err != nil {
		return cfg, NewConfigParseError(cleanPath, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseHostConfig(data []byte, format argus.ConfigFormat, cfg *HostConfig) error {
	switch format {
	case argus.FormatYAML:
		return yaml.Unmarshal(data, cfg)
	default:
		configMap, err := argus.ParseConfig(data, format)
		if err != nil {
			return err
		}
		return bindHostConfig(configMap, cfg)
	}
}

// bindHostConfig decodes a generic map through yaml.v3 so duration strings
// such as "250ms" bind to time.Duration fields.
func bindHostConfig(configMap map[string]interface{}, cfg *HostConfig) error {
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	encoded, err := yaml.Marshal(configMap)
	if err != nil {
		return fmt.Errorf("failed to re-encode configuration: %w", err)
	}
	return yaml.Unmarshal(encoded, cfg)
}
