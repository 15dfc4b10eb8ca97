// Package config provides YAML-based configuration loading for reqmux.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"reqmux/pkg/protocol"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the server/application
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Listen configures the inbound transport endpoint
	Listen ListenConfig `mapstructure:"listen"`

	// Session holds per-connection protocol options
	Session SessionConfig `mapstructure:"session"`

	// Service tunes the built-in message service
	Service ServiceConfig `mapstructure:"service"`
}

// ListenConfig selects the transport and its bind address.
type ListenConfig struct {
	// Kind: tcp, quic, mem, or winpipe
	Kind string `mapstructure:"kind"`
	// Address in the transport's native form, e.g. ":7878"
	Address string `mapstructure:"address"`
}

// SessionConfig carries the handshake and liveness knobs applied to every
// accepted connection.
type SessionConfig struct {
	// KeepaliveMS interval between KEEPALIVE frames when idle
	KeepaliveMS int `mapstructure:"keepalive_ms"`
	// KeepaliveTimeoutMS silence threshold before the connection is declared dead
	KeepaliveTimeoutMS int `mapstructure:"keepalive_timeout_ms"`
	// InitialDemand credit granted on each inbound channel before the first REQUEST_N
	InitialDemand int `mapstructure:"initial_demand"`
	// ContentType payload encoding offered to peers that do not request one
	ContentType string `mapstructure:"content_type"`
}

// ServiceConfig tunes the demo message service.
type ServiceConfig struct {
	// StreamIntervalMS pause between stream elements; 0 emits as fast as demand allows
	StreamIntervalMS int `mapstructure:"stream_interval_ms"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "reqmux-server",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/reqmux.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Listen: ListenConfig{
			Kind:    "tcp",
			Address: ":7878",
		},
		Session: SessionConfig{
			KeepaliveMS:        20000,
			KeepaliveTimeoutMS: 60000,
			InitialDemand:      8,
			ContentType:        protocol.ContentCBOR,
		},
		Service: ServiceConfig{
			StreamIntervalMS: 0,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix REQMUX and `.`/`-` are replaced with `_`.
// Example: REQMUX_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REQMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("listen.kind", cfg.Listen.Kind)
	v.SetDefault("listen.address", cfg.Listen.Address)
	v.SetDefault("session.keepalive_ms", cfg.Session.KeepaliveMS)
	v.SetDefault("session.keepalive_timeout_ms", cfg.Session.KeepaliveTimeoutMS)
	v.SetDefault("session.initial_demand", cfg.Session.InitialDemand)
	v.SetDefault("session.content_type", cfg.Session.ContentType)
	v.SetDefault("service.stream_interval_ms", cfg.Service.StreamIntervalMS)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("REQMUX_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `reqmux`
		v.SetConfigName("reqmux")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".reqmux"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Listen.Kind = strings.ToLower(strings.TrimSpace(c.Listen.Kind))
	switch c.Listen.Kind {
	case "tcp", "quic", "mem", "winpipe":
		// ok
	default:
		return fmt.Errorf("invalid listen.kind: %q", c.Listen.Kind)
	}
	if strings.TrimSpace(c.Listen.Address) == "" {
		return errors.New("listen.address must not be empty")
	}

	if c.Session.KeepaliveMS <= 0 {
		return fmt.Errorf("invalid session.keepalive_ms: %d", c.Session.KeepaliveMS)
	}
	if c.Session.KeepaliveTimeoutMS > 0 && c.Session.KeepaliveTimeoutMS <= c.Session.KeepaliveMS {
		return fmt.Errorf("session.keepalive_timeout_ms must exceed session.keepalive_ms")
	}
	if c.Session.InitialDemand <= 0 {
		return fmt.Errorf("invalid session.initial_demand: %d", c.Session.InitialDemand)
	}
	switch c.Session.ContentType {
	case protocol.ContentCBOR, protocol.ContentJSON:
		// ok
	default:
		return fmt.Errorf("unsupported session.content_type: %q", c.Session.ContentType)
	}
	if c.Service.StreamIntervalMS < 0 {
		return fmt.Errorf("invalid service.stream_interval_ms: %d", c.Service.StreamIntervalMS)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
