package ws

import "errors"

// Errors surfaced on the event feeds.
var (
	// ErrRejected indicates the server refused the handshake.
	ErrRejected = errors.New("ws: connection rejected by server")
	// ErrClosedByServer indicates the server ended an established
	// session on purpose.
	ErrClosedByServer = errors.New("ws: closed by server")
	// ErrProtocol indicates the other side sent something the handshake
	// does not allow.
	ErrProtocol = errors.New("ws: protocol violation")
)
