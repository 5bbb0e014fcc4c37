// Package config loads rapport configuration from a YAML file and
// RAPPORT_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Remote kinds.
const (
	RemoteNone   = "none"
	RemoteSQLite = "sqlite"
	RemoteHTTP   = "http"
	RemoteDynamo = "dynamo"
)

// Config is the full configuration.
type Config struct {
	DataDir string       `yaml:"data_dir" mapstructure:"data_dir"`
	Remote  RemoteConfig `yaml:"remote" mapstructure:"remote"`
	Sync    SyncConfig   `yaml:"sync" mapstructure:"sync"`
	Backup  BackupConfig `yaml:"backup" mapstructure:"backup"`
	Log     LogConfig    `yaml:"log" mapstructure:"log"`
	Server  ServerConfig `yaml:"server" mapstructure:"server"`

	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

// RemoteConfig selects and configures the change feed.
type RemoteConfig struct {
	Kind string `yaml:"kind" mapstructure:"kind"`

	// sqlite
	Path string `yaml:"path" mapstructure:"path"`

	// http
	URL   string `yaml:"url" mapstructure:"url"`
	Token string `yaml:"token" mapstructure:"token"`

	// dynamo
	Table        string        `yaml:"table" mapstructure:"table"`
	Region       string        `yaml:"region" mapstructure:"region"`
	Endpoint     string        `yaml:"endpoint" mapstructure:"endpoint"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// SettleWindow is how long a dynamo feed keeps rescanning recent writes.
	SettleWindow time.Duration `yaml:"settle_window,omitempty" mapstructure:"settle_window"`
}

// SyncConfig tunes the sync engine and push scheduler.
type SyncConfig struct {
	DebounceWindow  time.Duration `yaml:"debounce_window" mapstructure:"debounce_window"`
	Interval        time.Duration `yaml:"interval" mapstructure:"interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	PushBatchSize   int           `yaml:"push_batch_size" mapstructure:"push_batch_size"`
	PageSize        int           `yaml:"page_size" mapstructure:"page_size"`
	BreakerFailures uint32        `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// BackupConfig controls timestamped backups and the mirror file.
type BackupConfig struct {
	Dir       string `yaml:"dir" mapstructure:"dir"`
	Retention int    `yaml:"retention" mapstructure:"retention"`
	// Mirror is the path of the read-only snapshot the daemon keeps
	// current. Empty disables it.
	Mirror string `yaml:"mirror" mapstructure:"mirror"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format" mapstructure:"format"`
	// File enables rotated file output when set.
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// ServerConfig configures `rapport serve`.
type ServerConfig struct {
	Addr  string `yaml:"addr" mapstructure:"addr"`
	Token string `yaml:"token" mapstructure:"token"`
	DB    string `yaml:"db" mapstructure:"db"`
}

// Home returns the rapport home directory, ~/.rapport.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rapport"
	}
	return filepath.Join(home, ".rapport")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	home := Home()
	return &Config{
		DataDir: filepath.Join(home, "data"),
		Remote: RemoteConfig{
			Kind:         RemoteNone,
			Path:         filepath.Join(home, "remote.db"),
			Table:        "rapport-sync",
			Region:       "us-east-1",
			PollInterval: 15 * time.Second,
			SettleWindow: 2 * time.Minute,
		},
		Sync: SyncConfig{
			DebounceWindow:  2 * time.Second,
			Interval:        5 * time.Minute,
			RequestTimeout:  30 * time.Second,
			PushBatchSize:   200,
			PageSize:        200,
			BreakerFailures: 3,
			BreakerTimeout:  time.Minute,
		},
		Backup: BackupConfig{
			Dir:       filepath.Join(home, "backups"),
			Retention: 10,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			Addr: ":8787",
			DB:   filepath.Join(home, "server.db"),
		},
	}
}

// Load reads path over the defaults. An empty path uses DefaultPath; a
// missing file is not an error. RAPPORT_* environment variables override
// file values, e.g. RAPPORT_SYNC_INTERVAL=1m.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RAPPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Env overrides only apply to keys viper knows about.
	defaults, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	return m, nil
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteNone, RemoteSQLite, RemoteDynamo:
	case RemoteHTTP:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the http remote")
		}
	default:
		return fmt.Errorf("unknown remote kind %q", c.Remote.Kind)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Sync.PushBatchSize <= 0 || c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync batch and page sizes must be positive")
	}
	return nil
}

// Write saves cfg as YAML at path.
func Write(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := []byte("# rapport configuration\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
