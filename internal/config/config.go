// Package config loads engine configuration from a YAML file, environment
// overrides and coded defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RemoteConfig describes the central authority the engine reconciles with.
type RemoteConfig struct {
	// BaseURL is the root of the remote API, e.g. "https://api.example.com".
	BaseURL string `mapstructure:"base_url"`
	// HealthPath is the reachability-probe endpoint, relative to BaseURL.
	HealthPath string `mapstructure:"health_path"`
	// RequestTimeout bounds every network call in a drain.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// AuthToken, when set, is sent as a bearer token on every request.
	AuthToken string `mapstructure:"auth_token"`
}

// SyncConfig tunes the drain loop.
type SyncConfig struct {
	// BatchSize caps how many operations one batch request carries.
	BatchSize int `mapstructure:"batch_size"`
	// MaxAttempts is the retry ceiling for transient failures. Once
	// exceeded, the operation is marked failed rather than retried forever.
	MaxAttempts int `mapstructure:"max_attempts"`
	// ConflictStrategy overrides the default conflict policy when set to
	// "keep-client", "keep-server" or "merge".
	ConflictStrategy string `mapstructure:"conflict_strategy"`
	// Resources lists the remote collections kept in the snapshot cache.
	Resources []string `mapstructure:"resources"`
}

// MonitorConfig tunes the connectivity monitor.
type MonitorConfig struct {
	// ProbeInterval is how often the reachability probe runs.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// ProbeTimeout bounds a single probe; a timed-out probe counts as
	// offline, not as an error.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// SettleWindow is how long probes must stay successful before the
	// monitor declares online, so flapping connectivity fires one
	// transition per settle window.
	SettleWindow time.Duration `mapstructure:"settle_window"`
	// NetConfigPaths are filesystem paths watched for platform network
	// changes; a change triggers an immediate probe. Empty disables the
	// watcher.
	NetConfigPaths []string `mapstructure:"net_config_paths"`
}

// SchedulerConfig enables periodic background drains and snapshot refreshes.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval is a cron spec, e.g. "@every 5m".
	Interval string `mapstructure:"interval"`
}

// StorageConfig locates the device-local durable store.
type StorageConfig struct {
	// Path is the SQLite database file, e.g. ".fieldsync/local.db".
	Path string `mapstructure:"path"`
}

// LoggingConfig tunes the engine logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, routes log output to a size-rotated file instead of
	// stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Default returns the coded defaults, valid for everything except
// Remote.BaseURL and Storage.Path which the caller must supply.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			HealthPath:     "/health",
			RequestTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:   50,
			MaxAttempts: 5,
		},
		Monitor: MonitorConfig{
			ProbeInterval:  5 * time.Second,
			ProbeTimeout:   2 * time.Second,
			SettleWindow:   2500 * time.Millisecond,
			NetConfigPaths: []string{"/etc/resolv.conf"},
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			Interval: "@every 5m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// Load reads configuration from path (YAML), applying defaults for unset
// keys and FIELDSYNC_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("fieldsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("remote.health_path", d.Remote.HealthPath)
	v.SetDefault("remote.request_timeout", d.Remote.RequestTimeout)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("monitor.probe_interval", d.Monitor.ProbeInterval)
	v.SetDefault("monitor.probe_timeout", d.Monitor.ProbeTimeout)
	v.SetDefault("monitor.settle_window", d.Monitor.SettleWindow)
	v.SetDefault("monitor.net_config_paths", d.Monitor.NetConfigPaths)
	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
}

// Validate checks the fields without sensible defaults.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	switch c.Sync.ConflictStrategy {
	case "", "keep-client", "keep-server", "merge":
	default:
		return fmt.Errorf("sync.conflict_strategy %q is not one of keep-client, keep-server, merge", c.Sync.ConflictStrategy)
	}
	return nil
}
