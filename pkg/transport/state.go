package transport

import "fmt"

// ConnectionState describes where a Peer is in its lifecycle.
type ConnectionState uint8

const (
	// NotConnected means no session exists and none is being established.
	NotConnected ConnectionState = iota
	// Connecting means a dial is in flight but the session is not up yet.
	Connecting
	// Connected means the session is established and messages may flow.
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case NotConnected:
		return "not-connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
