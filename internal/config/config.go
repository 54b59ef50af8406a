// Package config loads painsync settings from a YAML file, PAINSYNC_*
// environment variables and built-in defaults, in that order of precedence
// after explicit flags.
package config

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
)

// FileName is the config file name searched for without --config.
const FileName = "painsync"

// EnvPrefix prefixes every environment override, e.g. PAINSYNC_SYNC_MAX_RETRIES.
const EnvPrefix = "PAINSYNC"

// Config is the full painsync configuration.
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Log     LogConfig    `mapstructure:"log"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Remote  RemoteConfig `mapstructure:"remote"`

	// MemoryFallback runs on a memory-only database when the one in
	// DataDir cannot be opened. Nothing written in that mode survives.
	MemoryFallback bool `mapstructure:"memory_fallback"`
}

// LogConfig controls the structured logger. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SyncConfig holds engine and scheduler tunables.
type SyncConfig struct {
	MaxRetries       int             `mapstructure:"max_retries"`
	RequestTimeout   time.Duration   `mapstructure:"request_timeout"`
	PeriodicInterval time.Duration   `mapstructure:"periodic_interval"`
	LeaseTTL         time.Duration   `mapstructure:"lease_ttl"`
	RetryDelays      []time.Duration `mapstructure:"retry_delays"`
	RetryCap         time.Duration   `mapstructure:"retry_cap"`
}

// RemoteConfig describes the remote API. HealthURL drives the
// connectivity probe; when empty the daemon assumes it is online.
type RemoteConfig struct {
	HealthURL     string        `mapstructure:"health_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("memory_fallback", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.request_timeout", 30*time.Second)
	v.SetDefault("sync.periodic_interval", 5*time.Minute)
	v.SetDefault("sync.lease_ttl", 2*time.Minute)
	v.SetDefault("sync.retry_delays", []time.Duration{time.Second, 5 * time.Second, 15 * time.Second})
	v.SetDefault("sync.retry_cap", 30*time.Second)

	v.SetDefault("remote.health_url", "")
	v.SetDefault("remote.probe_interval", 15*time.Second)
}

// New returns a viper instance with defaults, env binding and the config
// search path set up. An empty path searches $XDG_CONFIG_HOME/painsync and
// the working directory for painsync.yaml.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return v
	}
	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, FileName))
	}
	v.AddConfigPath(".")
	return v
}

// Load reads the config. A missing file is only an error when path names
// one explicitly.
func Load(path string) (*Config, error) {
	return FromViper(New(path), path != "")
}

// FromViper reads the config file (if any) into v and decodes it. Flags
// bound to v before the call take precedence over everything else.
func FromViper(v *viper.Viper, requireFile bool) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if requireFile || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.ErrInvalid, "read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(c.DataDir) == "" {
		add("data_dir must not be empty")
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Sync.MaxRetries < 0 {
		add("sync.max_retries must be >= 0, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.RequestTimeout <= 0 {
		add("sync.request_timeout must be positive")
	}
	if c.Sync.PeriodicInterval <= 0 {
		add("sync.periodic_interval must be positive")
	}
	if c.Sync.LeaseTTL <= 0 {
		add("sync.lease_ttl must be positive")
	}
	for i, d := range c.Sync.RetryDelays {
		if d < 0 {
			add("sync.retry_delays[%d] must not be negative", i)
		}
	}
	if c.Sync.RetryCap <= 0 {
		add("sync.retry_cap must be positive")
	}
	if c.Remote.HealthURL != "" {
		u, err := url.Parse(c.Remote.HealthURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("remote.health_url %q must be an http(s) URL", c.Remote.HealthURL)
		}
		if c.Remote.ProbeInterval <= 0 {
			add("remote.probe_interval must be positive")
		}
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrInvalid, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}
