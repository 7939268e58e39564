package ws

import (
	"log/slog"
	"time"

	"github.com/gridlink/gridlink/pkg/transport/wire"
)

// Defaults applied by Config.withDefaults.
const (
	// DefaultPath is the HTTP path the server upgrades on.
	DefaultPath = "/gridlink"
	// DefaultPingInterval is how often a connected peer measures latency.
	DefaultPingInterval = 2 * time.Second
	// DefaultDialTimeout bounds a connect attempt, handshake included.
	DefaultDialTimeout = 10 * time.Second
)

// Config configures a websocket Peer or Server.
type Config struct {
	// Path is the HTTP path the server serves the websocket endpoint on
	// and the client dials when the address has no path of its own.
	// Defaults to DefaultPath.
	Path string

	// PingInterval is how often the client sends a latency probe.
	// Zero means DefaultPingInterval; a negative value disables pings.
	PingInterval time.Duration

	// MaxMessageSize caps a single inbound websocket message in bytes.
	// Zero means the wire limit plus framing overhead.
	MaxMessageSize int64

	// DialTimeout bounds the client's whole connect attempt, from TCP
	// dial through the welcome frame. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = wire.MaxPayloadSize + wire.HeaderSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
