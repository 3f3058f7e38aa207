// Package config loads the daemon's configuration: a single YAML document
// merged with environment-variable overrides at startup (no hot-reload).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the full set of daemon settings, decoded from YAML via viper
// and then overridden by WEZTERM_PARALLEL_* environment variables.
type Config struct {
	Socket     string `mapstructure:"socket"`
	WSPort     int    `mapstructure:"ws_port"`
	DataDir    string `mapstructure:"data_dir"`
	LogLevel   string `mapstructure:"log_level"`
	LogDir     string `mapstructure:"log_dir"`
	ConfigPath string `mapstructure:"-"`

	MaxProcessesPerWorkspace int `mapstructure:"max_processes_per_workspace"`
	HealthCheckIntervalS     int `mapstructure:"health_check_interval_s"`
	GracefulStopTimeoutS     int `mapstructure:"graceful_stop_timeout_s"`
	MetricsIntervalMS        int `mapstructure:"metrics_interval_ms"`
	MaxConcurrentTasks       int `mapstructure:"max_concurrent_tasks"`
	TaskCancelTimeoutS       int `mapstructure:"task_cancel_timeout_s"`
	AutoSaveIntervalS        int `mapstructure:"auto_save_interval_s"`
	PerClientSendBytes       int `mapstructure:"per_client_send_bytes"`
	BroadcasterQueueDepth    int `mapstructure:"broadcaster_queue_depth"`

	History *HistoryConfig `mapstructure:"history"`
	TLS     *TLSConfig     `mapstructure:"tls"`
}

// HistoryConfig configures an optional append-only event sink.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// TLSConfig enables TLS on the dashboard WebSocket listener.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

const (
	defaultMaxProcessesPerWorkspace = 4
	defaultHealthCheckIntervalS     = 30
	minHealthCheckIntervalS         = 5
	defaultGracefulStopTimeoutS     = 10
	defaultMetricsIntervalMS        = 1000
	minMetricsIntervalMS            = 250
	defaultMaxConcurrentTasks       = 4
	defaultTaskCancelTimeoutS       = 5
	defaultAutoSaveIntervalS        = 300
	defaultPerClientSendBytes       = 1 << 20
	defaultBroadcasterQueueDepth    = 256
	defaultWSPort                   = 9999
)

func defaults() Config {
	return Config{
		Socket:                   filepath.Join(defaultDataDir(), "daemon.sock"),
		WSPort:                   defaultWSPort,
		DataDir:                  defaultDataDir(),
		LogLevel:                 "info",
		MaxProcessesPerWorkspace: defaultMaxProcessesPerWorkspace,
		HealthCheckIntervalS:     defaultHealthCheckIntervalS,
		GracefulStopTimeoutS:     defaultGracefulStopTimeoutS,
		MetricsIntervalMS:        defaultMetricsIntervalMS,
		MaxConcurrentTasks:       defaultMaxConcurrentTasks,
		TaskCancelTimeoutS:       defaultTaskCancelTimeoutS,
		AutoSaveIntervalS:        defaultAutoSaveIntervalS,
		PerClientSendBytes:       defaultPerClientSendBytes,
		BroadcasterQueueDepth:    defaultBroadcasterQueueDepth,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "wezterm-parallel")
	}
	return filepath.Join(home, ".local", "share", "wezterm-parallel")
}

// Load reads configPath (if non-empty) through viper, merges environment
// overrides, validates bounds, and returns the effective Config. An empty
// configPath yields pure defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath == "" {
		configPath = os.Getenv("WEZTERM_PARALLEL_CONFIG")
	}

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "mapstructure",
			WeaklyTypedInput: true,
			Result:           &cfg,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(v.AllSettings()); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", configPath, err)
		}
		cfg.ConfigPath = configPath
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WEZTERM_PARALLEL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WEZTERM_PARALLEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c *Config) validate() error {
	if c.HealthCheckIntervalS < minHealthCheckIntervalS {
		c.HealthCheckIntervalS = minHealthCheckIntervalS
	}
	if c.MetricsIntervalMS < minMetricsIntervalMS {
		c.MetricsIntervalMS = minMetricsIntervalMS
	}
	if c.MaxProcessesPerWorkspace <= 0 {
		return fmt.Errorf("max_processes_per_workspace must be positive")
	}
	if c.WSPort <= 0 || c.WSPort > 65535 {
		return fmt.Errorf("ws_port out of range: %d", c.WSPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}

// HealthCheckInterval is HealthCheckIntervalS as a time.Duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalS) * time.Second
}

// MetricsInterval is MetricsIntervalMS as a time.Duration.
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalMS) * time.Millisecond
}

// GracefulStopTimeout is GracefulStopTimeoutS as a time.Duration.
func (c *Config) GracefulStopTimeout() time.Duration {
	return time.Duration(c.GracefulStopTimeoutS) * time.Second
}

// TaskCancelTimeout is TaskCancelTimeoutS as a time.Duration.
func (c *Config) TaskCancelTimeout() time.Duration {
	return time.Duration(c.TaskCancelTimeoutS) * time.Second
}

// AutoSaveInterval is AutoSaveIntervalS as a time.Duration.
func (c *Config) AutoSaveInterval() time.Duration {
	return time.Duration(c.AutoSaveIntervalS) * time.Second
}

// WorkspacesFile is the absolute path to the workspace snapshot file.
func (c *Config) WorkspacesFile() string { return filepath.Join(c.DataDir, "workspaces.json") }

// TasksFile is the absolute path to the task snapshot file.
func (c *Config) TasksFile() string { return filepath.Join(c.DataDir, "tasks.json") }
