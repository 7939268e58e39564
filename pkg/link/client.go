package link

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gridlink/gridlink/pkg/dispatch"
	"github.com/gridlink/gridlink/pkg/event"
	"github.com/gridlink/gridlink/pkg/metrics"
	"github.com/gridlink/gridlink/pkg/transport"
)

// ClientConfig configures a Client facade.
type ClientConfig struct {
	// Transport carries the traffic. Required, though it can later be
	// swapped or removed with ChangeTransport.
	Transport transport.Peer

	// Handlers routes inbound messages. The table must have been built
	// with ShapeClient. A nil table is allowed; every inbound message is
	// then a logged miss, which is a reasonable setup for a client that
	// only watches the MessageReceived feed.
	Handlers *dispatch.Table

	// Logger receives facade lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client ties a transport.Peer to a handler table and a stable set of
// event feeds. The feeds on Client outlive any particular transport or
// connection, so application observers subscribe once and keep working
// across reconnects and transport swaps.
//
// Client itself satisfies transport.Peer and can be ticked, sent on and
// observed exactly like the transport it wraps.
type Client struct {
	peer   transport.Peer
	table  *dispatch.Table
	logger *slog.Logger

	events transport.Events
	subs   []*event.Subscription
}

var _ transport.Peer = (*Client)(nil)

// NewClient validates cfg and returns a disconnected Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Transport == nil {
		return nil, transport.ErrNoTransport
	}
	if cfg.Handlers != nil && cfg.Handlers.Shape() != dispatch.ShapeClient {
		return nil, ErrTableShape
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := cfg.Handlers
	if table == nil {
		table, _ = dispatch.Build(dispatch.Config{Shape: dispatch.ShapeClient, Logger: logger})
	}
	return &Client{
		peer:   cfg.Transport,
		table:  table,
		logger: logger,
	}, nil
}

// Connect tears down any previous session, arms the facade's relays and
// asks the transport to reach addr. payload rides along with the
// connection request and surfaces on the server as the hail message.
//
// A nil error means the attempt is in flight, not that it succeeded.
// Completion arrives later on the Connected or ConnectionFailed feed.
func (c *Client) Connect(addr string, payload any) error {
	if c.peer == nil {
		return transport.ErrNoTransport
	}
	c.Disconnect()
	c.subscribe()
	if err := c.peer.Connect(addr, payload); err != nil {
		c.unsubscribe()
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return nil
}

// Disconnect closes the current connection, if any, and cancels the
// facade's transport subscriptions. Calling it while already disconnected
// does nothing, so it is safe to call on any state.
func (c *Client) Disconnect() {
	if c.peer == nil || c.peer.State() == transport.NotConnected {
		return
	}
	wasUp := c.peer.State() == transport.Connected
	c.peer.Disconnect()
	c.unsubscribe()
	if wasUp {
		metrics.PeerDisconnected()
	}
	c.logger.Debug("link closed")
}

// ChangeTransport disconnects the current transport and installs peer in
// its place. The new transport starts disconnected; call Connect to use
// it. A nil peer leaves the client without a transport, in which case
// Connect and Send return ErrNoTransport until a real one is installed.
func (c *Client) ChangeTransport(peer transport.Peer) {
	c.Disconnect()
	c.peer = peer
}

// Tick drives the transport's event delivery. Call it regularly from the
// goroutine that owns this client; all feed callbacks fire inside it.
func (c *Client) Tick() {
	if c.peer == nil {
		return
	}
	c.peer.Tick()
}

// Send forwards payload to the server. release reports whether the
// transport may recycle a []byte payload after writing it.
func (c *Client) Send(payload any, release bool) error {
	if c.peer == nil {
		return transport.ErrNoTransport
	}
	if err := c.peer.Send(payload, release); err != nil {
		return err
	}
	metrics.MessageSent()
	return nil
}

// ID returns the peer id the server assigned for the current connection,
// or zero when disconnected or transportless.
func (c *Client) ID() transport.PeerID {
	if c.peer == nil {
		return 0
	}
	return c.peer.ID()
}

// State reads the connection state straight from the transport. A client
// without a transport reports NotConnected.
func (c *Client) State() transport.ConnectionState {
	if c.peer == nil {
		return transport.NotConnected
	}
	return c.peer.State()
}

// RoundTripTime returns the transport's latest latency sample.
func (c *Client) RoundTripTime() time.Duration {
	if c.peer == nil {
		return 0
	}
	return c.peer.RoundTripTime()
}

// SmoothedRoundTripTime returns the transport's running latency estimate.
func (c *Client) SmoothedRoundTripTime() time.Duration {
	if c.peer == nil {
		return 0
	}
	return c.peer.SmoothedRoundTripTime()
}

// Events returns the client's own feeds. Subscriptions made here survive
// Disconnect, Connect and ChangeTransport.
func (c *Client) Events() *transport.Events {
	return &c.events
}

func (c *Client) subscribe() {
	ev := c.peer.Events()
	c.subs = []*event.Subscription{
		ev.Connected.Subscribe(c.onConnected),
		ev.ConnectionFailed.Subscribe(c.onConnectionFailed),
		ev.MessageReceived.Subscribe(c.onMessageReceived),
		ev.Disconnected.Subscribe(c.onDisconnected),
		ev.PeerConnected.Subscribe(c.onPeerConnected),
		ev.PeerDisconnected.Subscribe(c.onPeerDisconnected),
	}
}

func (c *Client) unsubscribe() {
	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.subs = nil
}

func (c *Client) onConnected(id transport.PeerID) {
	c.logger.Info("connected", "peer_id", id)
	metrics.PeerConnected()
	c.events.Connected.Emit(id)
}

// onConnectionFailed unsubscribes before re-raising: the attempt is over,
// and a Connect issued by a ConnectionFailed observer must find the
// facade fully torn down.
func (c *Client) onConnectionFailed(err error) {
	c.logger.Warn("connection failed", "error", err)
	metrics.ConnectFailed()
	c.unsubscribe()
	c.events.ConnectionFailed.Emit(err)
}

// onMessageReceived re-raises first and dispatches second, so feed
// observers see every message before its handler reacts to it.
func (c *Client) onMessageReceived(msg transport.Message) {
	metrics.MessageReceived()
	c.events.MessageReceived.Emit(msg)
	if c.table.Dispatch(msg) {
		metrics.DispatchHit()
	} else {
		metrics.DispatchMiss()
	}
}

func (c *Client) onDisconnected(err error) {
	c.logger.Info("disconnected", "error", err)
	metrics.PeerDisconnected()
	c.unsubscribe()
	c.events.Disconnected.Emit(err)
}

func (c *Client) onPeerConnected(id transport.PeerID) {
	c.events.PeerConnected.Emit(id)
}

func (c *Client) onPeerDisconnected(id transport.PeerID) {
	c.events.PeerDisconnected.Emit(id)
}
