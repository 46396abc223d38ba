// Package config resolves the taskcoord home directory and loads settings from
// <home>/config.yaml and TASKCOORD_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the home directory.
const FileName = "config.yaml"

// Config is the resolved runtime configuration.
type Config struct {
	Home   string
	Store  StoreConfig
	Lock   LockConfig
	Server ServerConfig
	Otel   OtelConfig
	Log    LogConfig
	Watch  WatchConfig
	Sweep  SweepConfig
	Notify NotifyConfig
}

type StoreConfig struct {
	Driver string
	DSN    string
}

type LockConfig struct {
	Timeout time.Duration
	Retry   RetryConfig
}

// RetryConfig bounds client-side retries after a lock timeout.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

type ServerConfig struct {
	Port               int
	APIKey             string
	RateLimitPerMinute int
	RateBurst          int
	GRPCPort           int
}

type OtelConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level  string
	Format string
}

type WatchConfig struct {
	Enabled bool
}

// SweepConfig controls the periodic validation of every outbox. Zero disables it.
type SweepConfig struct {
	Interval time.Duration
}

// NotifyConfig lists outside endpoints that receive committed events.
type NotifyConfig struct {
	Webhooks     []string
	SlackWebhook string
	SlackChannel string
}

// Defaults used when neither the file nor the environment sets a key.
const (
	DefaultPort               = 3580
	DefaultLockTimeout        = 5 * time.Second
	DefaultRetryInitial       = 100 * time.Millisecond
	DefaultRetryMaxElapsed    = 3 * time.Second
	DefaultRateLimitPerMinute = 600
	DefaultRateBurst          = 60
	DefaultSweepInterval      = time.Minute
)

func newViper(home string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(filepath.Join(home, FileName))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKCOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dsn", "")
	v.SetDefault("lock.timeout", DefaultLockTimeout)
	v.SetDefault("lock.retry.initial_interval", DefaultRetryInitial)
	v.SetDefault("lock.retry.max_elapsed", DefaultRetryMaxElapsed)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.rate_limit_per_minute", DefaultRateLimitPerMinute)
	v.SetDefault("server.rate_burst", DefaultRateBurst)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("otel.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("watch.enabled", true)
	v.SetDefault("sweep.interval", DefaultSweepInterval)
	v.SetDefault("notify.webhooks", []string{})
	v.SetDefault("notify.slack_webhook", "")
	v.SetDefault("notify.slack_channel", "")
	return v
}

// Load reads <home>/config.yaml (optional) and applies environment overrides.
func Load(home string) (*Config, error) {
	v := newViper(home)
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read %s: %w", filepath.Join(home, FileName), err)
		}
	}
	c := &Config{
		Home: home,
		Store: StoreConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
			DSN:    v.GetString("store.dsn"),
		},
		Lock: LockConfig{
			Timeout: v.GetDuration("lock.timeout"),
			Retry: RetryConfig{
				InitialInterval: v.GetDuration("lock.retry.initial_interval"),
				MaxElapsed:      v.GetDuration("lock.retry.max_elapsed"),
			},
		},
		Server: ServerConfig{
			Port:               v.GetInt("server.port"),
			APIKey:             v.GetString("server.api_key"),
			RateLimitPerMinute: v.GetInt("server.rate_limit_per_minute"),
			RateBurst:          v.GetInt("server.rate_burst"),
			GRPCPort:           v.GetInt("server.grpc_port"),
		},
		Otel:  OtelConfig{Enabled: v.GetBool("otel.enabled")},
		Log:   LogConfig{Level: v.GetString("log.level"), Format: v.GetString("log.format")},
		Watch: WatchConfig{Enabled: v.GetBool("watch.enabled")},
		Sweep: SweepConfig{Interval: v.GetDuration("sweep.interval")},
		Notify: NotifyConfig{
			Webhooks:     v.GetStringSlice("notify.webhooks"),
			SlackWebhook: v.GetString("notify.slack_webhook"),
			SlackChannel: v.GetString("notify.slack_channel"),
		},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver: unknown driver %q (want file, sqlite or postgres)", c.Store.Driver)
	}
	if c.Lock.Timeout < 0 {
		return fmt.Errorf("lock.timeout: must not be negative")
	}
	if c.Sweep.Interval < 0 {
		return fmt.Errorf("sweep.interval: must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port: out of range: %d", c.Server.GRPCPort)
	}
	for _, u := range append(append([]string(nil), c.Notify.Webhooks...), c.Notify.SlackWebhook) {
		if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("notify: webhook %q must be an http(s) URL", u)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: want text or json, got %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

type cfgKey struct{}

// WithConfig stores c in the context.
func WithConfig(ctx context.Context, c *Config) context.Context {
	return context.WithValue(ctx, cfgKey{}, c)
}

// FromContext returns the config stored by WithConfig, if any.
func FromContext(ctx context.Context) (*Config, bool) {
	c, ok := ctx.Value(cfgKey{}).(*Config)
	return c, ok && c != nil
}
