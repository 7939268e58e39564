package loopback

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gridlink/gridlink/pkg/transport"
)

// Peer is the connecting side of a loopback link.
//
// Everything the server does to a peer arrives as a closure in the
// peer's inbox and runs on the peer's next Tick. Each closure carries
// the session counter it was created for; once the peer disconnects or
// reconnects, closures from the dead session fall through their guard
// and are dropped, so a restarted connection never sees leftovers from
// the previous one.
type Peer struct {
	cfg    Config
	logger *slog.Logger

	inbox  transport.Inbox
	events transport.Events

	state   transport.ConnectionState
	id      transport.PeerID
	server  *Server
	session uint64
}

var _ transport.Peer = (*Peer)(nil)

// NewPeer returns a disconnected Peer.
func NewPeer(cfg Config) *Peer {
	cfg = cfg.withDefaults()
	return &Peer{cfg: cfg, logger: cfg.Logger}
}

// Connect looks the address up on the network and asks the server there
// to accept this peer. The outcome arrives on the Connected or
// ConnectionFailed feed after both sides have ticked. payload rides
// along and surfaces on the server as the hail message.
func (p *Peer) Connect(addr string, payload any) error {
	if p.state != transport.NotConnected {
		return transport.ErrAlreadyConnected
	}
	port, err := parseAddr(addr)
	if err != nil {
		return err
	}

	p.session++
	sess := p.session
	p.state = transport.Connecting

	srv, ok := p.cfg.Network.lookup(port)
	if !ok {
		p.inbox.Put(func() { p.rejectConnect(nil, sess, fmt.Errorf("%w: port %d", ErrNoServer, port)) })
		return nil
	}
	p.server = srv
	srv.inbox.Put(func() { srv.handleJoin(p, sess, payload) })
	return nil
}

// Disconnect leaves the server, drops anything still queued for
// delivery and returns the peer to NotConnected. No Disconnected event
// is raised for a disconnect the peer asked for itself. Calling it while
// already disconnected does nothing.
func (p *Peer) Disconnect() {
	if p.state == transport.NotConnected {
		return
	}
	srv, sess := p.server, p.session
	p.session++
	p.state = transport.NotConnected
	p.server = nil
	p.id = 0
	p.inbox.Clear()
	if srv != nil {
		srv.inbox.Put(func() { srv.handleLeave(p, sess) })
	}
}

// Tick delivers everything the server has queued for this peer since
// the last call.
func (p *Peer) Tick() {
	p.inbox.Drain()
}

// Send queues a transport.Message for the server. Any other payload
// type returns ErrInvalidPayload. The release flag is ignored; delivery
// is by reference.
func (p *Peer) Send(payload any, release bool) error {
	if p.state != transport.Connected {
		return transport.ErrNotConnected
	}
	msg, ok := payload.(transport.Message)
	if !ok {
		return transport.ErrInvalidPayload
	}
	msg.Sender = p.id
	srv, sess := p.server, p.session
	srv.inbox.Put(func() { srv.handleData(p, sess, msg) })
	return nil
}

// ID returns the id the server assigned, or zero when not connected.
func (p *Peer) ID() transport.PeerID {
	return p.id
}

// State returns the current connection state.
func (p *Peer) State() transport.ConnectionState {
	return p.state
}

// RoundTripTime returns the configured Latency.
func (p *Peer) RoundTripTime() time.Duration {
	return p.cfg.Latency
}

// SmoothedRoundTripTime returns the configured Latency.
func (p *Peer) SmoothedRoundTripTime() time.Duration {
	return p.cfg.Latency
}

// Events returns the peer's feeds.
func (p *Peer) Events() *transport.Events {
	return &p.events
}

// completeConnect finishes the handshake the server accepted. roster
// lists the peers that were already connected; each one is announced on
// PeerConnected right after Connected fires.
func (p *Peer) completeConnect(s *Server, sess uint64, pid transport.PeerID, roster []transport.PeerID) {
	if p.session != sess || p.server != s || p.state != transport.Connecting {
		return
	}
	p.state = transport.Connected
	p.id = pid
	p.logger.Debug("loopback connected", "peer_id", pid)
	p.events.Connected.Emit(pid)
	for _, other := range roster {
		p.events.PeerConnected.Emit(other)
	}
}

func (p *Peer) rejectConnect(s *Server, sess uint64, err error) {
	if p.session != sess || p.server != s || p.state != transport.Connecting {
		return
	}
	p.state = transport.NotConnected
	p.server = nil
	p.events.ConnectionFailed.Emit(err)
}

// remoteClose handles the server side ending the session, either for
// this peer alone or because the whole server stopped.
func (p *Peer) remoteClose(s *Server, sess uint64, err error) {
	if p.session != sess || p.server != s {
		return
	}
	p.session++
	p.state = transport.NotConnected
	p.server = nil
	p.id = 0
	p.events.Disconnected.Emit(err)
}

func (p *Peer) deliver(s *Server, sess uint64, msg transport.Message) {
	if p.session != sess || p.server != s || p.state != transport.Connected {
		return
	}
	p.events.MessageReceived.Emit(msg)
}

func (p *Peer) notifyPeerJoined(s *Server, sess uint64, pid transport.PeerID) {
	if p.session != sess || p.server != s || p.state != transport.Connected {
		return
	}
	p.events.PeerConnected.Emit(pid)
}

func (p *Peer) notifyPeerLeft(s *Server, sess uint64, pid transport.PeerID) {
	if p.session != sess || p.server != s || p.state != transport.Connected {
		return
	}
	p.events.PeerDisconnected.Emit(pid)
}
