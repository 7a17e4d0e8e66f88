// Package config loads todosync configuration from file, environment, and
// defaults.
//
// Configuration is read with viper from todosync.yaml in the working
// directory or ~/.todosync/, with TODOSYNC_* environment variables taking
// precedence and sensible defaults below both. The remote endpoint address
// and credential are static configuration, never user input.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full todosync configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig locates the local document store.
type StoreConfig struct {
	// Path is the SQLite database file for the local store.
	Path string `mapstructure:"path"`
}

// RemoteConfig describes the remote endpoint: one fixed URL, database
// name, and basic-auth credential.
type RemoteConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SyncConfig tunes the replicator.
type SyncConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// DashboardConfig controls the local status server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig controls daemon logging. When File is empty the daemon logs
// to stderr; otherwise the file is rotated with the given limits.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Loader reads configuration and can watch the config file for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader. If path is non-empty that exact file is
// used; otherwise todosync.yaml is searched for in the working directory
// and ~/.todosync/.
func NewLoader(path string) *Loader {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("todosync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.todosync")
	}

	v.SetEnvPrefix("TODOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.path", ".todosync/todos.db")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.database", "todos")
	v.SetDefault("remote.username", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("sync.poll_interval", 5*time.Second)
	v.SetDefault("sync.retry_base", time.Second)
	v.SetDefault("sync.retry_max", time.Minute)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	return &Loader{v: v}
}

// Load reads the configuration. In search mode (no explicit path) a
// missing config file is not an error and defaults plus environment
// variables still apply; an explicitly named file that cannot be read is
// an error, so a mistyped --config path never silently falls back to
// defaults.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Watch invokes onChange with the freshly loaded configuration every time
// the config file changes on disk. Parse failures keep the previous
// configuration and are reported through onError.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to parse changed config: %w", err))
			}
			return
		}
		onChange(&cfg)
	})
	l.v.WatchConfig()
}
