// Package config loads the daemon configuration from an optional file
// plus GRIDLINK_* environment variables, with hot reload support.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Server configures the listening side of the daemon.
type Server struct {
	Transport    string        `mapstructure:"transport"` // "ws", "quic" or "loopback"
	Port         int           `mapstructure:"port"`
	MaxPeers     int           `mapstructure:"max_peers"` // 0 means no limit
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// TLSCert and TLSKey are the certificate pair for the quic
	// transport. When empty a self-signed development certificate is
	// generated at startup.
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Log configures logging output. Unrecognized level and format values
// fall back to "info" and "text" rather than failing validation.
type Log struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"` // "text" or "json"
	File    string `mapstructure:"file"`   // optional log file, in addition to stderr
	LokiURL string `mapstructure:"loki_url"`
}

// Config is the full daemon configuration.
type Config struct {
	Server  `mapstructure:"server"`
	Metrics `mapstructure:"metrics"`
	Log     `mapstructure:"log"`
}

// NewDefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func NewDefaultConfig() Config {
	config := Config{}

	config.Server.Transport = "ws"
	config.Server.Port = 7350
	config.Server.MaxPeers = 64
	config.Server.TickInterval = 50 * time.Millisecond

	config.Metrics.Enabled = true
	config.Metrics.Addr = ":9100"

	config.Log.Level = "info"
	config.Log.Format = "text"

	return config
}

func newViper(file string) *viper.Viper {
	v := viper.New()

	def := NewDefaultConfig()
	v.SetDefault("server.transport", def.Server.Transport)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.max_peers", def.Server.MaxPeers)
	v.SetDefault("server.tick_interval", def.Server.TickInterval)
	v.SetDefault("server.tls_cert", def.Server.TLSCert)
	v.SetDefault("server.tls_key", def.Server.TLSKey)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.addr", def.Metrics.Addr)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.loki_url", def.Log.LokiURL)

	v.SetEnvPrefix("GRIDLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	}
	return v
}

// Load reads the configuration. An empty file path means defaults plus
// environment only. The returned viper instance can be handed to Watch
// for hot reload.
func Load(file string) (Config, *viper.Viper, error) {
	v := newViper(file)
	if file != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch re-reads the file on change and calls onChange with each new
// configuration that passes validation. Invalid updates are logged and
// skipped; the running config stays as it was.
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Error("config reload failed", "file", e.Name, "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			logger.Error("config reload rejected", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c Config) Validate() error {
	switch c.Server.Transport {
	case "ws", "quic", "loopback":
	default:
		return fmt.Errorf("unknown transport %q (want ws, quic or loopback)", c.Server.Transport)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	if c.Server.MaxPeers < 0 {
		return fmt.Errorf("max_peers must not be negative, got %d", c.Server.MaxPeers)
	}
	if c.Server.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.Server.TickInterval)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr required when metrics are enabled")
	}
	return nil
}
