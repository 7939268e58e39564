// Package loopback implements the transport contract entirely in
// process.
//
// Peers and servers attach to a Network, an in-memory switchboard keyed
// by port number. Every hop between a peer and a server goes through the
// receiving side's inbox and surfaces on its next Tick, so connection
// handshakes, message delivery and disconnects interleave exactly like
// they do on a real networked transport, minus the nondeterminism. That
// makes loopback the transport of choice for tests and for running a
// client and server in the same process.
//
//	net := loopback.NewNetwork()
//
//	srv := loopback.NewServer(loopback.Config{Network: net})
//	_ = srv.Start(7777, 8)
//
//	peer := loopback.NewPeer(loopback.Config{Network: net})
//	_ = peer.Connect("7777", map[string]string{"name": "demo"})
//
//	srv.Tick()  // accepts the peer, raises PeerConnected and the hail
//	peer.Tick() // completes the handshake, raises Connected
//
// Leaving Config.Network nil attaches to DefaultNetwork, which is shared
// process-wide.
//
// Delivery is by reference: payloads cross to the other side untouched,
// whatever their type, and the release flag on Send is ignored. The
// Latency setting only feeds the round-trip time accessors; it does not
// delay delivery.
package loopback
