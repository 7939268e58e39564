// Package transport defines the contract between gridlink facades and the
// transports that carry their traffic.
//
// A transport owns everything below the message boundary: connection
// establishment, framing, heartbeats, round-trip estimation, and teardown
// detection. Above the boundary it exposes two interfaces:
//
//	Peer    - the dialing side of a link (one connection to one server)
//	Server  - the listening side (many peers, identified by PeerID)
//
// Both sides surface activity exclusively through the typed feeds in their
// Events value, and only ever from inside a Tick call. A transport may run
// goroutines internally (readers, dial attempts), but it must buffer their
// results in an Inbox and deliver them when the owning goroutine next
// ticks. This keeps every callback on the caller's goroutine and makes the
// whole stack usable without locks above the transport.
//
// # Driving a transport
//
//	peer := ws.NewPeer(ws.Config{})
//	peer.Events().Connected.Subscribe(func(id transport.PeerID) {
//	    log.Printf("connected as peer %d", id)
//	})
//	if err := peer.Connect("127.0.0.1:7777", nil); err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    peer.Tick() // events fire here
//	    time.Sleep(50 * time.Millisecond)
//	}
//
// # Payloads
//
// Send accepts a Message value; the Payload field travels opaque. Wire
// transports marshal it to bytes (see the wire package) and deliver
// inbound payloads as []byte. The loopback transport passes payloads
// through untouched.
package transport
