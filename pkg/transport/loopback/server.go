package loopback

import (
	"log/slog"
	"slices"

	"github.com/gridlink/gridlink/internal/id"
	"github.com/gridlink/gridlink/pkg/transport"
)

// slot is one connected peer as the server tracks it: the peer itself
// plus the session counter it joined under.
type slot struct {
	peer *Peer
	sess uint64
}

// Server is the listening side of a loopback link. All state is owned by
// the goroutine that ticks the server; joins, leaves and data from peers
// arrive as inbox closures and run inside Tick.
type Server struct {
	cfg    Config
	logger *slog.Logger

	inbox  transport.Inbox
	events transport.Events

	running  bool
	port     int
	maxPeers int
	peers    map[transport.PeerID]slot
	alloc    *id.Allocator
}

var _ transport.Server = (*Server)(nil)

// NewServer returns a stopped Server.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Start claims port on the network. It fails synchronously if the port
// is taken or the server is already running.
func (s *Server) Start(port, maxPeers int) error {
	if s.running {
		return transport.ErrAlreadyRunning
	}
	if err := s.cfg.Network.listen(port, s); err != nil {
		return err
	}
	s.port = port
	s.maxPeers = maxPeers
	s.peers = make(map[transport.PeerID]slot)
	s.alloc = id.NewAllocator()
	s.running = true
	s.logger.Debug("loopback server listening", "port", port, "max_peers", maxPeers)
	return nil
}

// Stop releases the port and ends every session. Attached peers see
// Disconnected(ErrServerStopped) on their next Tick; peers whose join
// was still queued see ConnectionFailed instead. Calling Stop on a
// stopped server does nothing.
func (s *Server) Stop() {
	if !s.running {
		return
	}
	port := s.port
	s.cfg.Network.release(port)
	s.running = false
	// Flush queued joins and sends now so nobody waits on a Tick that
	// will never come; with running already false they turn into
	// rejections.
	s.inbox.Drain()
	for _, sl := range s.peers {
		p, sess := sl.peer, sl.sess
		p.inbox.Put(func() { p.remoteClose(s, sess, ErrServerStopped) })
	}
	s.peers = nil
	s.alloc = nil
	s.port = 0
	s.maxPeers = 0
	s.logger.Debug("loopback server stopped", "port", port)
}

// Tick processes joins, leaves and inbound data queued since the last
// call.
func (s *Server) Tick() {
	s.inbox.Drain()
}

// Send queues a transport.Message for one peer. Any other payload type
// returns ErrInvalidPayload. The release flag is ignored; delivery is by
// reference.
func (s *Server) Send(to transport.PeerID, payload any, release bool) error {
	if !s.running {
		return transport.ErrNotRunning
	}
	msg, ok := payload.(transport.Message)
	if !ok {
		return transport.ErrInvalidPayload
	}
	sl, found := s.peers[to]
	if !found {
		return transport.ErrPeerNotFound
	}
	msg.Sender = transport.ServerPeer
	p, sess := sl.peer, sl.sess
	p.inbox.Put(func() { p.deliver(s, sess, msg) })
	return nil
}

// SendToAll queues a transport.Message for every connected peer.
func (s *Server) SendToAll(payload any, release bool) error {
	if !s.running {
		return transport.ErrNotRunning
	}
	msg, ok := payload.(transport.Message)
	if !ok {
		return transport.ErrInvalidPayload
	}
	msg.Sender = transport.ServerPeer
	for _, sl := range s.peers {
		p, sess := sl.peer, sl.sess
		p.inbox.Put(func() { p.deliver(s, sess, msg) })
	}
	return nil
}

// DisconnectPeer ends one peer's session. The peer sees
// Disconnected(ErrClosedByServer); everyone else, including this
// server's own feeds, sees the departure on a later Tick.
func (s *Server) DisconnectPeer(peer transport.PeerID) error {
	if !s.running {
		return transport.ErrNotRunning
	}
	sl, found := s.peers[peer]
	if !found {
		return transport.ErrPeerNotFound
	}
	delete(s.peers, peer)
	s.alloc.Release(uint32(peer))
	p, sess := sl.peer, sl.sess
	p.inbox.Put(func() { p.remoteClose(s, sess, ErrClosedByServer) })
	s.inbox.Put(func() {
		if !s.running {
			return
		}
		s.events.PeerDisconnected.Emit(peer)
	})
	s.broadcastLeft(peer)
	return nil
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	return len(s.peers)
}

// MaxPeerCount returns the limit passed to Start, or zero when stopped.
func (s *Server) MaxPeerCount() int {
	return s.maxPeers
}

// Events returns the server's feeds.
func (s *Server) Events() *transport.Events {
	return &s.events
}

// handleJoin runs on the server's Tick when a peer asked to connect.
func (s *Server) handleJoin(p *Peer, sess uint64, hail any) {
	if !s.running {
		p.inbox.Put(func() { p.rejectConnect(s, sess, ErrServerStopped) })
		return
	}
	if s.maxPeers > 0 && len(s.peers) >= s.maxPeers {
		s.logger.Debug("rejecting peer, server full", "max_peers", s.maxPeers)
		p.inbox.Put(func() { p.rejectConnect(s, sess, ErrServerFull) })
		return
	}
	raw, ok := s.alloc.Next()
	if !ok {
		p.inbox.Put(func() { p.rejectConnect(s, sess, ErrServerFull) })
		return
	}
	pid := transport.PeerID(raw)

	roster := make([]transport.PeerID, 0, len(s.peers))
	for existing := range s.peers {
		roster = append(roster, existing)
	}
	slices.Sort(roster)

	s.peers[pid] = slot{peer: p, sess: sess}
	p.inbox.Put(func() { p.completeConnect(s, sess, pid, roster) })
	for _, other := range roster {
		sl := s.peers[other]
		op, osess := sl.peer, sl.sess
		op.inbox.Put(func() { op.notifyPeerJoined(s, osess, pid) })
	}

	s.logger.Debug("peer joined", "peer_id", pid)
	s.events.PeerConnected.Emit(pid)
	s.events.MessageReceived.Emit(transport.Message{
		ID:      transport.HailMessage,
		Sender:  pid,
		Payload: hail,
	})
}

// handleLeave runs on the server's Tick when a peer disconnected on its
// own. The (pointer, session) pair identifies exactly one join, so a
// leave can never evict the peer's newer session.
func (s *Server) handleLeave(p *Peer, sess uint64) {
	if !s.running {
		return
	}
	for pid, sl := range s.peers {
		if sl.peer == p && sl.sess == sess {
			delete(s.peers, pid)
			s.alloc.Release(uint32(pid))
			s.logger.Debug("peer left", "peer_id", pid)
			s.events.PeerDisconnected.Emit(pid)
			s.broadcastLeft(pid)
			return
		}
	}
}

// handleData runs on the server's Tick for each message a peer sent.
func (s *Server) handleData(p *Peer, sess uint64, msg transport.Message) {
	if !s.running {
		return
	}
	sl, found := s.peers[msg.Sender]
	if !found || sl.peer != p || sl.sess != sess {
		return
	}
	s.events.MessageReceived.Emit(msg)
}

// broadcastLeft tells every remaining peer that pid is gone.
func (s *Server) broadcastLeft(pid transport.PeerID) {
	for _, sl := range s.peers {
		op, osess := sl.peer, sl.sess
		op.inbox.Put(func() { op.notifyPeerLeft(s, osess, pid) })
	}
}
