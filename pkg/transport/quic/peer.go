package quic

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/gridlink/gridlink/pkg/transport"
	"github.com/gridlink/gridlink/pkg/transport/wire"
)

// Peer is the connecting side of a QUIC link. The session runs over a
// single bidirectional stream carrying wire frames.
//
// The threading model matches the websocket transport: Connect returns
// immediately, background goroutines dial and read, and everything they
// observe fires on the owner's Tick. Closures carry the generation they
// were created for and are dropped when a newer session exists.
type Peer struct {
	cfg    Config
	logger *slog.Logger

	inbox  transport.Inbox
	events transport.Events

	state transport.ConnectionState
	id    transport.PeerID
	gen   uint64

	conn    quic.Connection
	stream  quic.Stream
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

// Connect starts a connection attempt to a host:port address. The
// outcome arrives on the Connected or ConnectionFailed feed.
func (p *Peer) Connect(addr string, payload any) error {
	if p.state != transport.NotConnected {
		return transport.ErrAlreadyConnected
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %q", transport.ErrInvalidAddress, addr)
	}
	hail, err := wire.EncodePayload(payload)
	if err != nil {
		return err
	}

	p.gen++
	gen := p.gen
	p.state = transport.Connecting
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	go p.dial(ctx, gen, addr, hail)
	return nil
}

func (p *Peer) dial(ctx context.Context, gen uint64, addr string, hail []byte) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, p.cfg.clientTLS(), p.cfg.quicConf())
	if err != nil {
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("dial %s: %w", addr, err)) })
		return
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(1, "open stream failed")
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("open stream: %w", err)) })
		return
	}

	if err := p.writeFrame(stream, &wire.Frame{Type: wire.FrameHail, Payload: hail}); err != nil {
		_ = conn.CloseWithError(2, "hail failed")
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("send hail: %w", err)) })
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(p.cfg.DialTimeout))
	frame, err := wire.Read(stream)
	if err != nil {
		_ = conn.CloseWithError(3, "welcome failed")
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("read welcome: %w", err)) })
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	switch frame.Type {
	case wire.FrameWelcome:
	case wire.FrameGoaway:
		reason := string(frame.Payload)
		_ = conn.CloseWithError(0, "rejected")
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("%w: %s", ErrRejected, reason)) })
		return
	default:
		_ = conn.CloseWithError(4, "protocol violation")
		typ := frame.Type
		p.inbox.Put(func() { p.failConnect(gen, fmt.Errorf("%w: got %s before welcome", ErrProtocol, typ)) })
		return
	}

	pid := frame.Peer
	p.inbox.Put(func() { p.completeConnect(gen, conn, stream, pid) })
	go p.readLoop(gen, stream)
	if p.cfg.PingInterval > 0 {
		go p.pingLoop(ctx, gen, stream)
	}
}

// readLoop reads frames until the stream dies. Framing errors are fatal
// on a stream transport: there is no message boundary to resync on.
func (p *Peer) readLoop(gen uint64, stream quic.Stream) {
	for {
		frame, err := wire.Read(stream)
		if err != nil {
			p.inbox.Put(func() { p.remoteClose(gen, fmt.Errorf("connection lost: %w", err)) })
			return
		}
		p.handleFrame(gen, stream, frame)
	}
}

func (p *Peer) handleFrame(gen uint64, stream quic.Stream, frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameData:
		msg := transport.Message{ID: frame.Message, Sender: frame.Peer, Payload: frame.Payload}
		p.inbox.Put(func() { p.deliver(gen, msg) })
	case wire.FramePing:
		pong := &wire.Frame{Type: wire.FramePong, Payload: frame.Payload}
		if err := p.writeFrame(stream, pong); err != nil {
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

func (p *Peer) pingLoop(ctx context.Context, gen uint64, stream quic.Stream) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := &wire.Frame{Type: wire.FramePing, Payload: wire.PingPayload(time.Now())}
			if err := p.writeFrame(stream, ping); err != nil {
				return
			}
		}
	}
}

func (p *Peer) writeFrame(stream quic.Stream, f *wire.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.Write(stream, f)
}

func (p *Peer) updateRTT(sample time.Duration) {
	p.rtt.Store(int64(sample))
	old := p.srtt.Load()
	if old == 0 {
		p.srtt.Store(int64(sample))
		return
	}
	p.srtt.Store(old - old/8 + int64(sample)/8)
}

func (p *Peer) completeConnect(gen uint64, conn quic.Connection, stream quic.Stream, pid transport.PeerID) {
	if gen != p.gen || p.state != transport.Connecting {
		_ = conn.CloseWithError(0, "superseded")
		return
	}
	p.conn = conn
	p.stream = stream
	p.state = transport.Connected
	p.id = pid
	p.logger.Info("quic connected", "peer_id", pid)
	p.events.Connected.Emit(pid)
}

func (p *Peer) failConnect(gen uint64, err error) {
	if gen != p.gen || p.state != transport.Connecting {
		return
	}
	p.teardown()
	p.logger.Warn("quic connect failed", "error", err)
	p.events.ConnectionFailed.Emit(err)
}

func (p *Peer) remoteClose(gen uint64, err error) {
	if gen != p.gen || p.state != transport.Connected {
		return
	}
	p.gen++
	p.teardown()
	p.logger.Info("quic connection lost", "error", err)
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

func (p *Peer) teardown() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.conn != nil {
		_ = p.conn.CloseWithError(0, "client closing")
		p.conn = nil
	}
	p.stream = nil
	p.state = transport.NotConnected
	p.id = 0
	p.rtt.Store(0)
	p.srtt.Store(0)
}

// Disconnect closes the connection, if any, and drops everything still
// queued for delivery.
func (p *Peer) Disconnect() {
	if p.state == transport.NotConnected {
		return
	}
	p.gen++
	p.teardown()
	p.inbox.Clear()
	p.logger.Debug("quic disconnected")
}

// Tick delivers everything the connection's goroutines queued since the
// last call.
func (p *Peer) Tick() {
	p.inbox.Drain()
}

// Send writes a transport.Message to the server.
func (p *Peer) Send(payload any, release bool) error {
	if p.state != transport.Connected || p.stream == nil {
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
	if err := p.writeFrame(p.stream, frame); err != nil {
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
