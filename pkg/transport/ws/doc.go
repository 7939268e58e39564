// Package ws implements the transport contracts over websockets, using
// the binary framing from the wire package.
//
// # Handshake
//
// A connecting peer dials ws://host:port/gridlink (the path is
// configurable), sends a hail frame carrying its application payload,
// and waits for a welcome frame carrying its assigned peer id. A server
// that cannot admit the peer answers with a goaway frame naming the
// reason instead; the peer surfaces that as a ConnectionFailed event
// wrapping ErrRejected.
//
// After the welcome the server tells the newcomer about every peer
// already present, then tells everyone else about the newcomer, so each
// side converges on the same roster.
//
// # Threading
//
// Dialing, reading and the HTTP accept path all run on background
// goroutines. They never touch the feeds directly: observations are
// queued and fire during Tick on the owning goroutine, exactly like the
// loopback transport. Frame writes are serialized per connection, so
// background goroutines may answer pings and write roster updates while
// the owner sends data.
//
// # Latency
//
// A connected peer pings on PingInterval and folds each pong into a
// smoothed round-trip estimate, available through RoundTripTime and
// SmoothedRoundTripTime.
//
// # Usage
//
//	peer := ws.NewPeer(ws.Config{})
//	if err := peer.Connect("127.0.0.1:7350", []byte("hello")); err != nil {
//		log.Fatal(err)
//	}
//	for {
//		peer.Tick()
//		time.Sleep(50 * time.Millisecond)
//	}
package ws
