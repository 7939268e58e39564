package transport

// PeerID identifies a peer within one server's session space. Servers
// assign ids on accept; id zero addresses the server itself and is never
// assigned to a peer.
type PeerID uint32

// ServerPeer is the PeerID representing the server side of a link. It
// appears as the Sender of server-originated messages.
const ServerPeer PeerID = 0

// MessageID tags a payload with its application-level message type.
type MessageID uint16

// HailMessage is the reserved message id carrying a Connect call's
// optional payload to the server application. Applications that want the
// hail register a handler for this id like any other.
const HailMessage MessageID = 0

// Message is the unit peers and servers exchange.
//
// On send, ID selects the handler on the receiving side and Payload is the
// opaque body; Sender is ignored. On receive, Sender is stamped by the
// transport with the authoritative id of the originating peer (ServerPeer
// for server-originated messages).
type Message struct {
	ID      MessageID
	Sender  PeerID
	Payload any
}
