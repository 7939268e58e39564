package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/gridlink/gridlink/internal/id"
	"github.com/gridlink/gridlink/pkg/transport"
	"github.com/gridlink/gridlink/pkg/transport/wire"
)

// handshakeTimeout bounds the server's wait for the session stream and
// the hail frame on it.
const handshakeTimeout = 10 * time.Second

// serverConn is one accepted peer connection and its session stream.
type serverConn struct {
	id     transport.PeerID
	tag    string
	conn   quic.Connection
	stream quic.Stream

	writeMu sync.Mutex
}

func (sc *serverConn) write(f *wire.Frame) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return wire.Write(sc.stream, f)
}

// Server is the listening side of the QUIC transport.
type Server struct {
	cfg    Config
	logger *slog.Logger

	inbox  transport.Inbox
	events transport.Events

	running  bool
	port     int
	maxPeers int

	gen      atomic.Uint64
	listener *quic.Listener
	stop     context.CancelFunc

	mu    sync.Mutex
	limit int
	conns map[transport.PeerID]*serverConn
	alloc *id.Allocator
}

var _ transport.Server = (*Server)(nil)

// NewServer returns a stopped Server. The Config must carry a TLS
// config with a server certificate; GenerateDevTLS builds one for
// development setups.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{cfg: cfg, logger: cfg.Logger}
}

func (s *Server) serverTLS() (*tls.Config, error) {
	if s.cfg.TLS == nil {
		return nil, ErrNoCertificate
	}
	conf := s.cfg.TLS.Clone()
	if len(conf.Certificates) == 0 && conf.GetCertificate == nil {
		return nil, ErrNoCertificate
	}
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{alpnProtocol}
	}
	if conf.MinVersion == 0 {
		conf.MinVersion = tls.VersionTLS13
	}
	return conf, nil
}

// Start listens on port and begins accepting peers. maxPeers <= 0 means
// no limit.
func (s *Server) Start(port, maxPeers int) error {
	if s.running {
		return transport.ErrAlreadyRunning
	}
	tlsConf, err := s.serverTLS()
	if err != nil {
		return err
	}

	ln, err := quic.ListenAddr(fmt.Sprintf(":%d", port), tlsConf, s.cfg.quicConf())
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	s.gen.Add(1)
	s.running = true
	s.port = port
	s.maxPeers = maxPeers
	s.listener = ln

	s.mu.Lock()
	s.limit = maxPeers
	s.conns = make(map[transport.PeerID]*serverConn)
	s.alloc = id.NewAllocator()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.acceptLoop(ctx, s.gen.Load(), ln)

	s.logger.Info("quic server listening", "port", port, "max_peers", maxPeers)
	return nil
}

// Stop closes the listener, tells every peer to go away and discards
// anything still queued for Tick.
func (s *Server) Stop() {
	if !s.running {
		return
	}
	s.gen.Add(1)
	s.stop()
	_ = s.listener.Close()
	s.listener = nil
	s.stop = nil

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.conns = nil
	s.alloc = nil
	s.limit = 0
	s.mu.Unlock()

	for _, sc := range conns {
		_ = sc.write(&wire.Frame{Type: wire.FrameGoaway, Payload: []byte("server stopped")})
		_ = sc.conn.CloseWithError(0, "server stopped")
	}
	s.inbox.Clear()

	s.running = false
	s.port = 0
	s.maxPeers = 0
	s.logger.Info("quic server stopped")
}

// Tick delivers everything the connection goroutines queued since the
// last call.
func (s *Server) Tick() {
	s.inbox.Drain()
}

func (s *Server) acceptLoop(ctx context.Context, gen uint64, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		go s.handshake(gen, conn)
	}
}

// handshake waits for the session stream and its hail, then admits the
// peer. Runs on its own goroutine per incoming connection.
func (s *Server) handshake(gen uint64, conn quic.Connection) {
	hctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		_ = conn.CloseWithError(4, "no session stream")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	frame, err := wire.Read(stream)
	if err != nil {
		_ = conn.CloseWithError(4, "hail timeout")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	if frame.Type != wire.FrameHail {
		_ = conn.CloseWithError(4, "expected hail")
		return
	}
	hail := frame.Payload

	sc, ok := s.register(gen, conn, stream)
	if !ok {
		return
	}

	s.logger.Debug("quic peer joined", "peer_id", sc.id, "conn", sc.tag, "remote", conn.RemoteAddr())
	s.inbox.Put(func() { s.handleJoin(gen, sc.id, hail) })
	go s.readLoop(gen, sc)
}

// register admits one handshaken connection. Admission, the welcome and
// roster writes to the newcomer, and the join broadcast to everyone
// else happen under one lock hold, so concurrent joins each see the
// other exactly once.
func (s *Server) register(gen uint64, conn quic.Connection, stream quic.Stream) (*serverConn, bool) {
	s.mu.Lock()

	if gen != s.gen.Load() || s.conns == nil {
		s.mu.Unlock()
		goaway(conn, stream, "server stopped")
		return nil, false
	}
	if s.limit > 0 && len(s.conns) >= s.limit {
		s.mu.Unlock()
		goaway(conn, stream, "server full")
		return nil, false
	}
	raw, ok := s.alloc.Next()
	if !ok {
		s.mu.Unlock()
		goaway(conn, stream, "server full")
		return nil, false
	}
	pid := transport.PeerID(raw)

	sc := &serverConn{id: pid, tag: id.Short(), conn: conn, stream: stream}

	if err := sc.write(&wire.Frame{Type: wire.FrameWelcome, Peer: pid}); err != nil {
		s.alloc.Release(raw)
		s.mu.Unlock()
		_ = conn.CloseWithError(5, "welcome failed")
		return nil, false
	}
	roster := make([]transport.PeerID, 0, len(s.conns))
	for other := range s.conns {
		roster = append(roster, other)
	}
	slices.Sort(roster)
	for _, other := range roster {
		_ = sc.write(&wire.Frame{Type: wire.FramePeerJoined, Peer: other})
	}
	for _, other := range s.conns {
		_ = other.write(&wire.Frame{Type: wire.FramePeerJoined, Peer: pid})
	}
	s.conns[pid] = sc
	s.mu.Unlock()
	return sc, true
}

func goaway(conn quic.Connection, stream quic.Stream, reason string) {
	_ = wire.Write(stream, &wire.Frame{Type: wire.FrameGoaway, Payload: []byte(reason)})
	_ = conn.CloseWithError(0, reason)
}

// readLoop runs per connection until the peer disappears.
func (s *Server) readLoop(gen uint64, sc *serverConn) {
	for {
		frame, err := wire.Read(sc.stream)
		if err != nil {
			s.dropConn(gen, sc, err)
			return
		}
		switch frame.Type {
		case wire.FrameData:
			// The sender id comes from the session, never from the frame.
			msg := transport.Message{ID: frame.Message, Sender: sc.id, Payload: frame.Payload}
			s.inbox.Put(func() { s.deliver(gen, sc, msg) })
		case wire.FramePing:
			pong := &wire.Frame{Type: wire.FramePong, Payload: frame.Payload}
			if err := sc.write(pong); err != nil {
				s.logger.Debug("pong failed", "conn", sc.tag, "error", err)
			}
		default:
			s.logger.Debug("ignoring unexpected frame", "conn", sc.tag, "type", frame.Type.String())
		}
	}
}

// dropConn removes a connection whose read loop ended. Runs on the read
// goroutine.
func (s *Server) dropConn(gen uint64, sc *serverConn, cause error) {
	s.mu.Lock()
	cur, ok := s.conns[sc.id]
	if !ok || cur != sc || gen != s.gen.Load() {
		s.mu.Unlock()
		_ = sc.conn.CloseWithError(0, "")
		return
	}
	delete(s.conns, sc.id)
	s.alloc.Release(uint32(sc.id))
	others := make([]*serverConn, 0, len(s.conns))
	for _, o := range s.conns {
		others = append(others, o)
	}
	s.mu.Unlock()

	_ = sc.conn.CloseWithError(0, "")
	s.logger.Debug("quic peer left", "peer_id", sc.id, "conn", sc.tag, "cause", cause)

	for _, o := range others {
		_ = o.write(&wire.Frame{Type: wire.FramePeerLeft, Peer: sc.id})
	}
	s.inbox.Put(func() { s.handleLeave(gen, sc.id) })
}

func (s *Server) handleJoin(gen uint64, pid transport.PeerID, hail []byte) {
	if gen != s.gen.Load() || !s.running {
		return
	}
	s.events.PeerConnected.Emit(pid)
	s.events.MessageReceived.Emit(transport.Message{ID: transport.HailMessage, Sender: pid, Payload: hail})
}

func (s *Server) handleLeave(gen uint64, pid transport.PeerID) {
	if gen != s.gen.Load() || !s.running {
		return
	}
	s.events.PeerDisconnected.Emit(pid)
}

func (s *Server) deliver(gen uint64, sc *serverConn, msg transport.Message) {
	if gen != s.gen.Load() || !s.running {
		return
	}
	s.mu.Lock()
	cur, ok := s.conns[sc.id]
	s.mu.Unlock()
	if !ok || cur != sc {
		return
	}
	s.events.MessageReceived.Emit(msg)
}

// Send transmits one message to a single peer.
func (s *Server) Send(to transport.PeerID, payload any, release bool) error {
	if !s.running {
		return transport.ErrNotRunning
	}
	msg, ok := payload.(transport.Message)
	if !ok {
		return transport.ErrInvalidPayload
	}
	s.mu.Lock()
	sc, found := s.conns[to]
	s.mu.Unlock()
	if !found {
		return transport.ErrPeerNotFound
	}
	data, err := wire.EncodePayload(msg.Payload)
	if err != nil {
		return err
	}
	frame := &wire.Frame{Type: wire.FrameData, Message: msg.ID, Peer: transport.ServerPeer, Payload: data}
	if err := sc.write(frame); err != nil {
		return fmt.Errorf("send to peer %d: %w", to, err)
	}
	if release {
		if buf, ok := msg.Payload.([]byte); ok {
			wire.PutBuffer(buf)
		}
	}
	return nil
}

// SendToAll transmits one message to every connected peer. All writes
// are attempted; the first failure is returned.
func (s *Server) SendToAll(payload any, release bool) error {
	if !s.running {
		return transport.ErrNotRunning
	}
	msg, ok := payload.(transport.Message)
	if !ok {
		return transport.ErrInvalidPayload
	}
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	data, err := wire.EncodePayload(msg.Payload)
	if err != nil {
		return err
	}
	frame := &wire.Frame{Type: wire.FrameData, Message: msg.ID, Peer: transport.ServerPeer, Payload: data}

	var first error
	for _, sc := range conns {
		if err := sc.write(frame); err != nil && first == nil {
			first = fmt.Errorf("send to peer %d: %w", sc.id, err)
		}
	}
	if release {
		if buf, ok := msg.Payload.([]byte); ok {
			wire.PutBuffer(buf)
		}
	}
	return first
}

// DisconnectPeer closes one peer's connection with a goaway. The
// PeerDisconnected event fires on the next Tick.
func (s *Server) DisconnectPeer(peer transport.PeerID) error {
	if !s.running {
		return transport.ErrNotRunning
	}
	gen := s.gen.Load()

	s.mu.Lock()
	sc, ok := s.conns[peer]
	if !ok {
		s.mu.Unlock()
		return transport.ErrPeerNotFound
	}
	delete(s.conns, peer)
	s.alloc.Release(uint32(peer))
	others := make([]*serverConn, 0, len(s.conns))
	for _, o := range s.conns {
		others = append(others, o)
	}
	s.mu.Unlock()

	_ = sc.write(&wire.Frame{Type: wire.FrameGoaway, Payload: []byte("disconnected by server")})
	_ = sc.conn.CloseWithError(0, "disconnected by server")
	s.logger.Debug("quic peer kicked", "peer_id", peer, "conn", sc.tag)

	for _, o := range others {
		_ = o.write(&wire.Frame{Type: wire.FramePeerLeft, Peer: peer})
	}
	s.inbox.Put(func() { s.handleLeave(gen, peer) })
	return nil
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// MaxPeerCount returns the limit passed to Start, or zero when stopped.
func (s *Server) MaxPeerCount() int {
	return s.maxPeers
}

// Events returns the server's feeds.
func (s *Server) Events() *transport.Events {
	return &s.events
}
