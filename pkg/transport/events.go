package transport

import "github.com/gridlink/gridlink/pkg/event"

// Events is the set of lifecycle feeds a transport raises. Peers use all
// six; servers use the peer-lifecycle and message feeds only. The zero
// value is ready to use.
//
// Every feed fires synchronously inside a Tick call, in the order the
// underlying activity was observed.
type Events struct {
	// Connected fires on a peer when its session is established, carrying
	// the id the server assigned.
	Connected event.Feed[PeerID]

	// ConnectionFailed fires on a peer when a dial that was started by
	// Connect cannot produce a session.
	ConnectionFailed event.Feed[error]

	// MessageReceived fires for each inbound message.
	MessageReceived event.Feed[Message]

	// Disconnected fires on a peer when an established session is lost
	// for any reason other than a local Disconnect call.
	Disconnected event.Feed[error]

	// PeerConnected fires on a server when a peer joins, and on peers
	// when another peer joins the same server.
	PeerConnected event.Feed[PeerID]

	// PeerDisconnected fires on a server when a peer leaves, and on peers
	// when another peer leaves the same server.
	PeerDisconnected event.Feed[PeerID]
}
