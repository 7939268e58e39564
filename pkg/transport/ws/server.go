package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	websocket "github.com/coder/websocket"

	"github.com/gridlink/gridlink/internal/id"
	"github.com/gridlink/gridlink/pkg/transport"
	"github.com/gridlink/gridlink/pkg/transport/wire"
)

// handshakeTimeout bounds the server's wait for a hail after the
// websocket upgrade.
const handshakeTimeout = 10 * time.Second

// serverConn is one accepted peer connection. Frame writes go through
// write, which serializes them, so the HTTP goroutine that performed
// the handshake, the read goroutines of other peers and the owner
// goroutine can all address it.
type serverConn struct {
	id     transport.PeerID
	tag    string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func (sc *serverConn) write(ctx context.Context, f *wire.Frame) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.conn.Write(ctx, websocket.MessageBinary, wire.Encode(f))
}

// Server is the listening side of the websocket transport. It upgrades
// HTTP requests on the configured path, handshakes each peer, and
// queues everything that happened for delivery on Tick.
type Server struct {
	cfg    Config
	logger *slog.Logger

	inbox  transport.Inbox
	events transport.Events

	running  bool
	port     int
	maxPeers int

	gen       atomic.Uint64
	accepting atomic.Bool
	httpSrv   *http.Server

	mu    sync.Mutex
	limit int
	conns map[transport.PeerID]*serverConn
	alloc *id.Allocator
}

var _ transport.Server = (*Server)(nil)

// NewServer returns a stopped Server.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Start listens on port and begins accepting peers. maxPeers <= 0 means
// no limit.
func (s *Server) Start(port, maxPeers int) error {
	if s.running {
		return transport.ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}

	s.gen.Add(1)
	s.running = true
	s.port = port
	s.maxPeers = maxPeers

	s.mu.Lock()
	s.limit = maxPeers
	s.conns = make(map[transport.PeerID]*serverConn)
	s.alloc = id.NewAllocator()
	s.mu.Unlock()

	s.accepting.Store(true)

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped unexpectedly", "error", err)
		}
	}(s.httpSrv)

	s.logger.Info("websocket server listening", "port", port, "path", s.cfg.Path, "max_peers", maxPeers)
	return nil
}

// Stop closes the listener, tells every peer to go away and discards
// anything still queued for Tick.
func (s *Server) Stop() {
	if !s.running {
		return
	}
	s.accepting.Store(false)
	s.gen.Add(1)

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
		hctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sc.write(hctx, &wire.Frame{Type: wire.FrameGoaway, Payload: []byte("server stopped")})
		cancel()
		sc.cancel()
		_ = sc.conn.Close(websocket.StatusGoingAway, "server stopped")
	}

	_ = s.httpSrv.Close()
	s.httpSrv = nil
	s.inbox.Clear()

	s.running = false
	s.port = 0
	s.maxPeers = 0
	s.logger.Info("websocket server stopped")
}

// Tick delivers everything the connection goroutines queued since the
// last call.
func (s *Server) Tick() {
	s.inbox.Drain()
}

// handleUpgrade runs on an HTTP goroutine per incoming request. It
// performs the websocket upgrade and the hail/welcome handshake, then
// registers the connection and hands the join to the owner's inbox.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "server is not accepting connections", http.StatusServiceUnavailable)
		return
	}
	if s.atCapacity() {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	gen := s.gen.Load()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	hctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	frame, err := readFrame(hctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "hail timeout")
		return
	}
	if frame.Type != wire.FrameHail {
		_ = conn.Close(websocket.StatusProtocolError, "expected hail")
		return
	}
	hail := frame.Payload

	sc, ok := s.register(hctx, gen, conn)
	if !ok {
		return
	}

	s.logger.Debug("websocket peer joined", "peer_id", sc.id, "conn", sc.tag, "remote", r.RemoteAddr)
	s.inbox.Put(func() { s.handleJoin(gen, sc.id, hail) })
	go s.readLoop(gen, sc)
}

// register admits one handshaken connection. Admission, the welcome and
// roster writes to the newcomer, and the join broadcast to everyone
// else happen under one lock hold, so concurrent joins each see the
// other exactly once: in the roster or in a broadcast, never both.
func (s *Server) register(ctx context.Context, gen uint64, conn *websocket.Conn) (*serverConn, bool) {
	s.mu.Lock()

	if gen != s.gen.Load() || s.conns == nil {
		s.mu.Unlock()
		goaway(ctx, conn, "server stopped")
		return nil, false
	}
	if s.limit > 0 && len(s.conns) >= s.limit {
		s.mu.Unlock()
		goaway(ctx, conn, "server full")
		return nil, false
	}
	raw, ok := s.alloc.Next()
	if !ok {
		s.mu.Unlock()
		goaway(ctx, conn, "server full")
		return nil, false
	}
	pid := transport.PeerID(raw)

	cctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{id: pid, tag: id.Short(), conn: conn, ctx: cctx, cancel: cancel}

	if err := sc.write(ctx, &wire.Frame{Type: wire.FrameWelcome, Peer: pid}); err != nil {
		s.alloc.Release(raw)
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "welcome failed")
		return nil, false
	}
	roster := make([]transport.PeerID, 0, len(s.conns))
	for other := range s.conns {
		roster = append(roster, other)
	}
	slices.Sort(roster)
	for _, other := range roster {
		_ = sc.write(ctx, &wire.Frame{Type: wire.FramePeerJoined, Peer: other})
	}
	for _, other := range s.conns {
		_ = other.write(other.ctx, &wire.Frame{Type: wire.FramePeerJoined, Peer: pid})
	}
	s.conns[pid] = sc
	s.mu.Unlock()
	return sc, true
}

func goaway(ctx context.Context, conn *websocket.Conn, reason string) {
	frame := &wire.Frame{Type: wire.FrameGoaway, Payload: []byte(reason)}
	_ = conn.Write(ctx, websocket.MessageBinary, wire.Encode(frame))
	_ = conn.Close(websocket.StatusNormalClosure, reason)
}

func (s *Server) atCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit > 0 && len(s.conns) >= s.limit
}

// readLoop runs per connection until the peer disappears.
func (s *Server) readLoop(gen uint64, sc *serverConn) {
	for {
		typ, data, err := sc.conn.Read(sc.ctx)
		if err != nil {
			s.dropConn(gen, sc, err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frame, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "conn", sc.tag, "error", err)
			continue
		}
		switch frame.Type {
		case wire.FrameData:
			// The sender id comes from the session, never from the frame.
			msg := transport.Message{ID: frame.Message, Sender: sc.id, Payload: frame.Payload}
			s.inbox.Put(func() { s.deliver(gen, sc, msg) })
		case wire.FramePing:
			pong := &wire.Frame{Type: wire.FramePong, Payload: frame.Payload}
			if err := sc.write(sc.ctx, pong); err != nil {
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
		sc.cancel()
		_ = sc.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	delete(s.conns, sc.id)
	s.alloc.Release(uint32(sc.id))
	others := make([]*serverConn, 0, len(s.conns))
	for _, o := range s.conns {
		others = append(others, o)
	}
	s.mu.Unlock()

	sc.cancel()
	_ = sc.conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("websocket peer left", "peer_id", sc.id, "conn", sc.tag, "cause", cause)

	for _, o := range others {
		_ = o.write(o.ctx, &wire.Frame{Type: wire.FramePeerLeft, Peer: sc.id})
	}
	s.inbox.Put(func() { s.handleLeave(gen, sc.id) })
}

// handleJoin and handleLeave run on the owner goroutine inside Tick.
// The read loop enqueues a leave only after the handshake enqueued the
// join, so the feeds observe them in order.

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
	if err := sc.write(sc.ctx, frame); err != nil {
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
		if err := sc.write(sc.ctx, frame); err != nil && first == nil {
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

	hctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = sc.write(hctx, &wire.Frame{Type: wire.FrameGoaway, Payload: []byte("disconnected by server")})
	cancel()
	sc.cancel()
	_ = sc.conn.Close(websocket.StatusNormalClosure, "disconnected by server")
	s.logger.Debug("websocket peer kicked", "peer_id", peer, "conn", sc.tag)

	for _, o := range others {
		_ = o.write(o.ctx, &wire.Frame{Type: wire.FramePeerLeft, Peer: peer})
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
