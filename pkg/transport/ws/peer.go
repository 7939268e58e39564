package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	websocket "github.com/coder/websocket"

	"github.com/gridlink/gridlink/pkg/transport"
	"github.com/gridlink/gridlink/pkg/transport/wire"
)

// Peer is the connecting side of a websocket link.
//
// Connect returns immediately; a background goroutine dials, performs
// the hail/welcome handshake and then keeps reading frames. Everything
// those goroutines learn is queued as inbox closures and surfaces on the
// owner's Tick. Each closure carries the generation it belongs to, so
// after a Disconnect or reconnect the leftovers of the old session fall
// through their guard and are dropped.
type Peer struct {
	cfg    Config
	logger *slog.Logger

	inbox  transport.Inbox
	events transport.Events

	state transport.ConnectionState
	id    transport.PeerID
	gen   uint64

	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex

	rtt  atomic.Int64
	srtt atomic.Int64
}

var _ transport.Peer = (*Peer)(nil)

// NewPeer returns a disconnected Peer.
func NewPeer(cfg Config) *Peer {
	cfg = cfg.withDefaults()
	return &Peer{cfg: cfg, logger: cfg.Logger}
}

// buildURL turns a user-supplied address into the websocket URL to
// dial. Bare host:port addresses get the ws scheme and the configured
// path; addresses with their own scheme or path keep them.
func buildURL(cfg Config, addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", transport.ErrInvalidAddress, addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = cfg.Path
	}
	return u.String(), nil
}

// Connect starts a connection attempt to addr. The outcome arrives on
// the Connected or ConnectionFailed feed once the handshake resolves.
// payload rides along in the hail frame and surfaces on the server as
// the hail message; it must survive wire.EncodePayload, which is the
// only error Connect reports synchronously besides a bad address.
func (p *Peer) Connect(addr string, payload any) error {
	if p.state != transport.NotConnected {
		return transport.ErrAlreadyConnected
	}
	target, err := buildURL(p.cfg, addr)
	if err != nil {
		return err
	}
	hail, err := wire.EncodePayload(payload)
	if err != nil {
		return err
	}

	p.gen++
	gen := p.gen
	p.state = transport.Connecting
	p.ctx, p.cancel = context.WithCancel(context.Background())

	go p.dial(p.ctx, gen, target, hail)
	return nil
}

// dial runs off the owner goroutine: it establishes the websocket,
// performs the handshake and hands the session back through the inbox.
func (p *Peer) dial(ctx context.Context, gen uint64, target string, hail []byte) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("dial %s: %w", target, err)) })
		return
	}
	conn.SetReadLimit(p.cfg.MaxMessageSize)

	if err := p.write(dialCtx, conn, &wire.Frame{Type: wire.FrameHail, Payload: hail}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hail failed")
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("send hail: %w", err)) })
		return
	}

	frame, err := readFrame(dialCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "welcome failed")
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("read welcome: %w", err)) })
		return
	}
	switch frame.Type {
	case wire.FrameWelcome:
	case wire.FrameGoaway:
		_ = conn.Close(websocket.StatusNormalClosure, "")
		reason := string(frame.Payload)
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("%w: %s", ErrRejected, reason)) })
		return
	default:
		_ = conn.Close(websocket.StatusProtocolError, "expected welcome")
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("%w: got %s before welcome", ErrProtocol, frame.Type)) })
		return
	}

	pid := frame.Peer
	p.inbox.Put(func() { p.completeConnect(gen, conn, pid) })
	go p.readLoop(ctx, gen, conn)
	if p.cfg.PingInterval > 0 {
		go p.pingLoop(ctx, gen, conn)
	}
}

// readFrame reads a single binary frame, skipping any non-binary
// websocket messages.
func readFrame(ctx context.Context, conn *websocket.Conn) (*wire.Frame, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		return wire.Decode(data)
	}
}

func (p *Peer) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			p.inbox.Put(func() { p.remoteClose(gen, fmt.Errorf("connection lost: %w", err)) })
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frame, err := wire.Decode(data)
		if err != nil {
			p.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		p.handleFrame(ctx, gen, conn, frame)
	}
}

// handleFrame runs on the read goroutine. Pings are answered in place;
// everything else is queued for the owner's Tick.
func (p *Peer) handleFrame(ctx context.Context, gen uint64, conn *websocket.Conn, frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameData:
		msg := transport.Message{ID: frame.Message, Sender: frame.Peer, Payload: frame.Payload}
		p.inbox.Put(func() { p.deliver(gen, msg) })
	case wire.FramePing:
		pong := &wire.Frame{Type: wire.FramePong, Payload: frame.Payload}
		if err := p.write(ctx, conn, pong); err != nil {
			p.logger.Debug("pong failed", "error", err)
		}
	case wire.FramePong:
		if sent, ok := wire.PingTime(frame.Payload); ok {
			p.updateRTT(time.Since(sent))
		}
	case wire.FramePeerJoined:
		pid := frame.Peer
		p.inbox.Put(func() { p.notifyPeer(gen, pid, true) })
	case wire.FramePeerLeft:
		pid := frame.Peer
		p.inbox.Put(func() { p.notifyPeer(gen, pid, false) })
	case wire.FrameGoaway:
		reason := string(frame.Payload)
		p.inbox.Put(func() { p.remoteClose(gen, fmt.Errorf("%w: %s", ErrClosedByServer, reason)) })
	default:
		p.logger.Debug("ignoring unexpected frame", "type", frame.Type.String())
	}
}

func (p *Peer) pingLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := &wire.Frame{Type: wire.FramePing, Payload: wire.PingPayload(time.Now())}
			if err := p.write(ctx, conn, ping); err != nil {
				return
			}
		}
	}
}

// write serializes all frame writes on this peer's connection.
func (p *Peer) write(ctx context.Context, conn *websocket.Conn, f *wire.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageBinary, wire.Encode(f))
}

// updateRTT records a latency sample and folds it into the smoothed
// estimate with the usual 1/8 gain.
func (p *Peer) updateRTT(sample time.Duration) {
	p.rtt.Store(int64(sample))
	old := p.srtt.Load()
	if old == 0 {
		p.srtt.Store(int64(sample))
		return
	}
	p.srtt.Store(old - old/8 + int64(sample)/8)
}

func (p *Peer) completeConnect(gen uint64, conn *websocket.Conn, pid transport.PeerID) {
	if gen != p.gen || p.state != transport.Connecting {
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	p.conn = conn
	p.state = transport.Connected
	p.id = pid
	p.logger.Info("websocket connected", "peer_id", pid)
	p.events.Connected.Emit(pid)
}

func (p *Peer) failConnect(gen uint64, err error) {
	if gen != p.gen || p.state != transport.Connecting {
		return
	}
	p.teardown()
	p.logger.Warn("websocket connect failed", "error", err)
	p.events.ConnectionFailed.Emit(err)
}

func (p *Peer) remoteClose(gen uint64, err error) {
	if gen != p.gen || p.state != transport.Connected {
		return
	}
	p.gen++
	p.teardown()
	p.logger.Info("websocket connection lost", "error", err)
	p.events.Disconnected.Emit(err)
}

func (p *Peer) deliver(gen uint64, msg transport.Message) {
	if gen != p.gen || p.state != transport.Connected {
		return
	}
	p.events.MessageReceived.Emit(msg)
}

func (p *Peer) notifyPeer(gen uint64, pid transport.PeerID, joined bool) {
	if gen != p.gen || p.state != transport.Connected {
		return
	}
	if joined {
		p.events.PeerConnected.Emit(pid)
	} else {
		p.events.PeerDisconnected.Emit(pid)
	}
}

// teardown resets connection state without emitting anything.
func (p *Peer) teardown() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.ctx = nil
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, "")
		p.conn = nil
	}
	p.state = transport.NotConnected
	p.id = 0
	p.rtt.Store(0)
	p.srtt.Store(0)
}

// Disconnect closes the connection, if any, and drops everything still
// queued for delivery. No Disconnected event is raised for a disconnect
// the peer asked for itself.
func (p *Peer) Disconnect() {
	if p.state == transport.NotConnected {
		return
	}
	p.gen++
	p.teardown()
	p.inbox.Clear()
	p.logger.Debug("websocket disconnected")
}

// Tick delivers everything the connection's goroutines queued since the
// last call.
func (p *Peer) Tick() {
	p.inbox.Drain()
}

// Send writes a transport.Message to the server. Any other payload type
// returns ErrInvalidPayload. With release true a []byte message payload
// is returned to the wire buffer pool after the write.
func (p *Peer) Send(payload any, release bool) error {
	if p.state != transport.Connected || p.conn == nil {
		return transport.ErrNotConnected
	}
	msg, ok := payload.(transport.Message)
	if !ok {
		return transport.ErrInvalidPayload
	}
	data, err := wire.EncodePayload(msg.Payload)
	if err != nil {
		return err
	}
	frame := &wire.Frame{Type: wire.FrameData, Message: msg.ID, Peer: p.id, Payload: data}
	if err := p.write(p.ctx, p.conn, frame); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if release {
		if buf, ok := msg.Payload.([]byte); ok {
			wire.PutBuffer(buf)
		}
	}
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

// RoundTripTime returns the latest ping measurement.
func (p *Peer) RoundTripTime() time.Duration {
	return time.Duration(p.rtt.Load())
}

// SmoothedRoundTripTime returns the running latency estimate.
func (p *Peer) SmoothedRoundTripTime() time.Duration {
	return time.Duration(p.srtt.Load())
}

// Events returns the peer's feeds.
func (p *Peer) Events() *transport.Events {
	return &p.events
}
