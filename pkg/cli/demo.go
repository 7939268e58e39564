package cli

import (
	"fmt"

	"github.com/gridlink/gridlink/pkg/transport"
)

// Message ids of the built-in relay protocol, shared by serve and
// connect. Id 0 is the hail every transport raises on join.
const (
	// msgEcho is answered by the relay to the sender with the same
	// payload.
	msgEcho transport.MessageID = 1
	// msgChat is rebroadcast by the relay to every connected peer,
	// prefixed with the sender's id.
	msgChat transport.MessageID = 2
)

// payloadText renders a message payload for humans. Wire transports
// deliver []byte; the loopback transport delivers whatever was sent.
func payloadText(payload any) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case []byte:
		return string(p)
	case string:
		return p
	default:
		return fmt.Sprintf("%v", p)
	}
}
