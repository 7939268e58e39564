package loopback

import (
	"log/slog"
	"time"
)

// Config configures a loopback Peer or Server.
type Config struct {
	// Network is the switchboard to attach to. Defaults to
	// DefaultNetwork.
	Network *Network

	// Latency is the round-trip time a Peer reports. Delivery itself is
	// always immediate.
	Latency time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Network == nil {
		c.Network = DefaultNetwork
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
