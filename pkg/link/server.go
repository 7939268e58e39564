package link

import (
	"fmt"
	"log/slog"

	"github.com/gridlink/gridlink/pkg/dispatch"
	"github.com/gridlink/gridlink/pkg/event"
	"github.com/gridlink/gridlink/pkg/metrics"
	"github.com/gridlink/gridlink/pkg/transport"
)

// ServerConfig configures a Server facade.
type ServerConfig struct {
	// Transport accepts and manages the peer connections. Required.
	Transport transport.Server

	// Handlers routes inbound messages. The table must have been built
	// with ShapeServer. A nil table is allowed; every inbound message is
	// then a logged miss.
	Handlers *dispatch.Table

	// Logger receives facade lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server ties a transport.Server to a handler table and a stable set of
// event feeds, mirroring what Client does for the connecting side.
// Application observers subscribe to the Server's feeds once and keep
// working across Stop and Start cycles.
type Server struct {
	srv    transport.Server
	table  *dispatch.Table
	logger *slog.Logger

	events  transport.Events
	subs    []*event.Subscription
	running bool
}

var _ transport.Server = (*Server)(nil)

// NewServer validates cfg and returns a stopped Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Transport == nil {
		return nil, transport.ErrNoTransport
	}
	if cfg.Handlers != nil && cfg.Handlers.Shape() != dispatch.ShapeServer {
		return nil, ErrTableShape
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := cfg.Handlers
	if table == nil {
		table, _ = dispatch.Build(dispatch.Config{Shape: dispatch.ShapeServer, Logger: logger})
	}
	return &Server{
		srv:    cfg.Transport,
		table:  table,
		logger: logger,
	}, nil
}

// Start stops any previous run, arms the facade's relays and asks the
// transport to listen on port for up to maxPeers concurrent peers. On
// delegate failure the relays are disarmed again and the error returned,
// leaving the facade exactly as it was.
func (s *Server) Start(port, maxPeers int) error {
	s.Stop()
	s.subscribe()
	if err := s.srv.Start(port, maxPeers); err != nil {
		s.unsubscribe()
		return fmt.Errorf("start on port %d: %w", port, err)
	}
	s.running = true
	s.logger.Info("server started", "port", port, "max_peers", maxPeers)
	return nil
}

// Stop shuts the transport down and cancels the facade's subscriptions.
// Peers still attached are dropped without individual PeerDisconnected
// events. Calling Stop on a server that is not running does nothing.
func (s *Server) Stop() {
	if !s.running {
		return
	}
	if n := s.srv.PeerCount(); n > 0 {
		metrics.PeersDropped(n)
	}
	s.srv.Stop()
	s.unsubscribe()
	s.running = false
	s.logger.Info("server stopped")
}

// Running reports whether Start has succeeded more recently than Stop.
func (s *Server) Running() bool {
	return s.running
}

// Tick drives the transport's event delivery. Call it regularly from the
// goroutine that owns this server; all feed callbacks fire inside it.
func (s *Server) Tick() {
	s.srv.Tick()
}

// Send forwards payload to a single peer. release reports whether the
// transport may recycle a []byte payload after writing it.
func (s *Server) Send(to transport.PeerID, payload any, release bool) error {
	if err := s.srv.Send(to, payload, release); err != nil {
		return err
	}
	metrics.MessageSent()
	return nil
}

// SendToAll forwards payload to every connected peer.
func (s *Server) SendToAll(payload any, release bool) error {
	if err := s.srv.SendToAll(payload, release); err != nil {
		return err
	}
	metrics.MessageSent()
	return nil
}

// DisconnectPeer drops a single peer. The transport raises
// PeerDisconnected for it on a later Tick.
func (s *Server) DisconnectPeer(peer transport.PeerID) error {
	return s.srv.DisconnectPeer(peer)
}

// PeerCount returns the number of currently connected peers.
func (s *Server) PeerCount() int {
	return s.srv.PeerCount()
}

// MaxPeerCount returns the peer limit passed to Start.
func (s *Server) MaxPeerCount() int {
	return s.srv.MaxPeerCount()
}

// Events returns the server's own feeds. Subscriptions made here survive
// Stop and Start.
func (s *Server) Events() *transport.Events {
	return &s.events
}

func (s *Server) subscribe() {
	ev := s.srv.Events()
	s.subs = []*event.Subscription{
		ev.PeerConnected.Subscribe(s.onPeerConnected),
		ev.MessageReceived.Subscribe(s.onMessageReceived),
		ev.PeerDisconnected.Subscribe(s.onPeerDisconnected),
	}
}

func (s *Server) unsubscribe() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}

func (s *Server) onPeerConnected(id transport.PeerID) {
	s.logger.Info("peer connected", "peer_id", id)
	metrics.PeerConnected()
	s.events.PeerConnected.Emit(id)
}

// onMessageReceived re-raises first and dispatches second, so feed
// observers see every message before its handler reacts to it.
func (s *Server) onMessageReceived(msg transport.Message) {
	metrics.MessageReceived()
	s.events.MessageReceived.Emit(msg)
	if s.table.Dispatch(msg) {
		metrics.DispatchHit()
	} else {
		metrics.DispatchMiss()
	}
}

func (s *Server) onPeerDisconnected(id transport.PeerID) {
	s.logger.Info("peer disconnected", "peer_id", id)
	metrics.PeerDisconnected()
	s.events.PeerDisconnected.Emit(id)
}
