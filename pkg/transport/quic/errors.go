package quic

import "errors"

// Errors surfaced on the event feeds.
var (
	// ErrRejected indicates the server refused the handshake.
	ErrRejected = errors.New("quic: connection rejected by server")
	// ErrClosedByServer indicates the server ended an established
	// session on purpose.
	ErrClosedByServer = errors.New("quic: closed by server")
	// ErrProtocol indicates the other side sent something the handshake
	// does not allow.
	ErrProtocol = errors.New("quic: protocol violation")
	// ErrNoCertificate is returned by Start when the TLS config has no
	// server certificate.
	ErrNoCertificate = errors.New("quic: server TLS config has no certificate")
)
