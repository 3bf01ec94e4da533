// Package config loads and validates service configuration from file and
// environment. Every field has a working default so the service can run
// against a local upstream with no config file at all.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Public errors
var (
	ErrStreamURLEmpty = errors.New("stream url is empty")
)

// Private errors
var (
	errBackoffInverted   = errors.New("backoff base exceeds backoff ceiling")
	errMaxRetriesInvalid = errors.New("max retries must be positive")
	errListenAddrEmpty   = errors.New("gateway listen address is empty")
	errIntervalInvalid   = errors.New("reconcile interval must be positive")
	errHeartbeatInvalid  = errors.New("heartbeat interval must be positive")
)

const envPrefix = "PRICESTREAM"

// StreamConfig configures the upstream streaming connection
type StreamConfig struct {
	URL               string        `mapstructure:"url"`
	APIKey            string        `mapstructure:"api_key"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCeiling    time.Duration `mapstructure:"backoff_ceiling"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// QuoteConfig configures the REST quote client used for reconciliation.
// An empty base URL disables the reconciliation poller.
type QuoteConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// ReconcileConfig configures the reconciliation poller
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// GatewayConfig configures the downstream HTTP surface
type GatewayConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogConfig configures logging verbosity
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the full service configuration
type Config struct {
	Stream    StreamConfig    `mapstructure:"stream"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Log       LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.url", "ws://localhost:8200/feed")
	v.SetDefault("stream.max_retries", 5)
	v.SetDefault("stream.backoff_base", time.Second)
	v.SetDefault("stream.backoff_ceiling", 30*time.Second)
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("quote.timeout", 10*time.Second)
	v.SetDefault("quote.requests_per_second", 5.0)
	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("gateway.listen_addr", ":8080")
	v.SetDefault("log.level", "INFO|WARN|ERROR")
}

// Load reads configuration from the given file path, overlaid with
// PRICESTREAM_* environment variables. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Stream.URL == "" {
		return ErrStreamURLEmpty
	}
	if c.Stream.MaxRetries <= 0 {
		return errMaxRetriesInvalid
	}
	if c.Stream.BackoffBase > c.Stream.BackoffCeiling {
		return errBackoffInverted
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return errHeartbeatInvalid
	}
	if c.Reconcile.Interval <= 0 {
		return errIntervalInvalid
	}
	if c.Gateway.ListenAddr == "" {
		return errListenAddrEmpty
	}
	return nil
}

// ReconcileEnabled reports whether a quote source is configured
func (c *Config) ReconcileEnabled() bool {
	return c.Quote.BaseURL != ""
}
