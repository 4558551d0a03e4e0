// Package config loads runtime configuration from an optional YAML file,
// NOCTURNE_* environment variables, and built-in defaults, in that
// precedence order (flags bound by the CLI win over all three).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/duskforge/nocturne/internal/observability"
	"github.com/duskforge/nocturne/pkg/artifacts"
)

// Config is the full runtime configuration.
type Config struct {
	Store     StoreConfig             `mapstructure:"store"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	Webhook   WebhookConfig           `mapstructure:"webhook"`
	Server    ServerConfig            `mapstructure:"server"`
	Logging   observability.LogConfig `mapstructure:"logging"`
	Artifacts ArtifactsConfig         `mapstructure:"artifacts"`
}

type StoreConfig struct {
	// Path is the local sqlite database file.
	Path string `mapstructure:"path"`

	// URL selects a remote libsql database instead of a local file.
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type SchedulerConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReservationTTL    time.Duration `mapstructure:"reservation_ttl"`
	TriggerInterval   time.Duration `mapstructure:"trigger_interval"`
	NormalizeInterval time.Duration `mapstructure:"normalize_interval"`

	// LogDir receives per-job stdout/stderr capture from the command
	// handler.
	LogDir string `mapstructure:"log_dir"`
}

type WebhookConfig struct {
	// URL is the sink endpoint. Empty disables notifications.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ArtifactsConfig struct {
	Backend  string             `mapstructure:"backend"`
	Patterns []string           `mapstructure:"patterns"`
	Dir      string             `mapstructure:"dir"`
	S3       artifacts.S3Config `mapstructure:"s3"`
}

// SetDefaults installs defaults on a viper instance. Called before any
// file or environment values are read so every key resolves.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "nocturne.db")

	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.poll_interval", "2s")
	v.SetDefault("scheduler.reservation_ttl", "5m")
	v.SetDefault("scheduler.trigger_interval", "1m")
	v.SetDefault("scheduler.normalize_interval", "1h")
	v.SetDefault("scheduler.log_dir", "logs")

	v.SetDefault("webhook.timeout", "10s")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load builds a Config from the given viper instance, reading the config
// file at path when non-empty.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("NOCTURNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("nocturne")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
