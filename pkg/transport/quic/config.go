package quic

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

// alpnProtocol is the ALPN identifier both sides must offer.
const alpnProtocol = "gridlink"

// Defaults applied by Config.withDefaults.
const (
	// DefaultMaxIdleTimeout closes a connection with no traffic at all.
	DefaultMaxIdleTimeout = 30 * time.Second
	// DefaultKeepAlivePeriod is the transport-level keepalive interval.
	DefaultKeepAlivePeriod = 10 * time.Second
	// DefaultPingInterval is how often a connected peer measures latency.
	DefaultPingInterval = 2 * time.Second
	// DefaultDialTimeout bounds a connect attempt, handshake included.
	DefaultDialTimeout = 10 * time.Second
)

// Config configures a QUIC Peer or Server.
type Config struct {
	// TLS supplies the TLS configuration. A server needs a certificate;
	// GenerateDevTLS produces a self-signed one for development. A peer
	// with a nil TLS config skips certificate verification, which is
	// only acceptable against development servers.
	TLS *tls.Config

	// MaxIdleTimeout closes the connection when nothing moves for this
	// long. Defaults to DefaultMaxIdleTimeout.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod is the QUIC-level keepalive. Defaults to
	// DefaultKeepAlivePeriod.
	KeepAlivePeriod time.Duration

	// PingInterval is how often the client sends a latency probe.
	// Zero means DefaultPingInterval; a negative value disables pings.
	PingInterval time.Duration

	// DialTimeout bounds the client's whole connect attempt. Defaults
	// to DefaultDialTimeout.
	DialTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxIdleTimeout == 0 {
		c.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	if c.KeepAlivePeriod == 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) quicConf() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  c.MaxIdleTimeout,
		KeepAlivePeriod: c.KeepAlivePeriod,
		Allow0RTT:       true,
	}
}

// clientTLS returns the TLS config to dial with, filling in the ALPN
// and, when no config was supplied, falling back to an unverified one.
func (c Config) clientTLS() *tls.Config {
	var conf *tls.Config
	if c.TLS != nil {
		conf = c.TLS.Clone()
	} else {
		conf = &tls.Config{InsecureSkipVerify: true}
	}
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{alpnProtocol}
	}
	if conf.MinVersion == 0 {
		conf.MinVersion = tls.VersionTLS13
	}
	return conf
}
