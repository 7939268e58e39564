package transport

import "time"

// Peer is the dialing side of a transport: a single connection from this
// process to one server.
//
// None of the methods block. Connect starts the dial and returns; success
// or failure arrives later through the Connected or ConnectionFailed feed
// during a Tick call. A Peer instance is owned by one goroutine; see the
// package documentation for the concurrency contract.
type Peer interface {
	// Connect begins establishing a session with the server at addr.
	// The optional payload is delivered to the server application as the
	// hail message (message id HailMessage) once the session is up.
	// A synchronous error means the dial could not even start; later
	// failures arrive via the ConnectionFailed feed.
	Connect(addr string, payload any) error

	// Disconnect tears the connection down. It is a no-op when the peer
	// is not connected. Voluntary disconnects raise no Disconnected event
	// on this side.
	Disconnect()

	// Tick delivers pending events and drives time-based work such as
	// heartbeats. All feeds fire only within Tick.
	Tick()

	// Send transmits one message to the server. The payload must be a
	// Message value; anything else is rejected with ErrInvalidPayload.
	// When release is true the caller hands ownership of a []byte payload
	// to the transport, which may recycle it after the write.
	Send(payload any, release bool) error

	// ID returns the peer id assigned by the server, or zero before the
	// session is established.
	ID() PeerID

	// State reports the connection state. Transitions happen inside the
	// transport; callers observe them here and through the feeds.
	State() ConnectionState

	// RoundTripTime returns the most recent RTT sample, or zero if no
	// sample exists yet.
	RoundTripTime() time.Duration

	// SmoothedRoundTripTime returns an exponentially weighted RTT
	// estimate, or zero if no sample exists yet.
	SmoothedRoundTripTime() time.Duration

	// Events returns the feeds this peer raises. The returned value is
	// owned by the transport and stays valid for the peer's lifetime.
	Events() *Events
}

// Server is the listening side of a transport. It accepts peers up to a
// configured maximum and addresses them by the PeerID it assigned.
type Server interface {
	// Start begins listening on port and accepting up to maxPeers
	// concurrent peers; maxPeers <= 0 means no limit. A synchronous
	// error means the listener could not be created (for example, the
	// port is taken).
	Start(port, maxPeers int) error

	// Stop closes the listener and disconnects every peer. It is a no-op
	// when the server is not running.
	Stop()

	// Tick delivers pending events. All feeds fire only within Tick.
	Tick()

	// Send transmits one message to a single peer. The payload rules
	// match Peer.Send.
	Send(to PeerID, payload any, release bool) error

	// SendToAll transmits one message to every connected peer. Delivery
	// is attempted to all peers even if some writes fail; the first
	// failure is returned.
	SendToAll(payload any, release bool) error

	// DisconnectPeer closes the connection to one peer. The peer observes
	// a Disconnected event; other peers observe PeerDisconnected.
	DisconnectPeer(peer PeerID) error

	// PeerCount returns the number of currently connected peers.
	PeerCount() int

	// MaxPeerCount returns the peer limit passed to Start, or zero when
	// the server is not running.
	MaxPeerCount() int

	// Events returns the feeds this server raises.
	Events() *Events
}
