// Package wire defines the binary frame format shared by the websocket
// and QUIC transports.
//
// Every frame starts with a fixed 12-byte header followed by an opaque
// payload:
//
//	Version:    1 byte
//	Type:       1 byte
//	MessageID:  2 bytes (big-endian)
//	PeerID:     4 bytes (big-endian)
//	PayloadLen: 4 bytes (big-endian)
//	Payload:    variable
//
// Encode and Decode work on whole []byte frames for message-oriented
// carriers such as websockets. Write and Read stream the same layout
// over an io.Writer/io.Reader for carriers such as QUIC streams.
//
// The payload is opaque to this package. EncodePayload converts the
// application values accepted by Send into bytes: []byte passes through,
// strings become their bytes, and anything else is marshalled as JSON.
// The receiving side always surfaces payloads as []byte and leaves the
// interpretation to message handlers.
package wire
