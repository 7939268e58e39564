package link

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gridlink/gridlink/pkg/dispatch"
	"github.com/gridlink/gridlink/pkg/transport"
)

// fakePeer is a scriptable transport.Peer. Tests flip its state and fire
// its feeds directly instead of running a real connection.
type fakePeer struct {
	events transport.Events
	state  transport.ConnectionState
	id     transport.PeerID

	connectErr   error
	sendErr      error
	connectCalls int
	disconnects  int
	ticks        int
	sent         []any
}

var _ transport.Peer = (*fakePeer)(nil)

func (p *fakePeer) Connect(addr string, payload any) error {
	p.connectCalls++
	if p.connectErr != nil {
		return p.connectErr
	}
	p.state = transport.Connecting
	return nil
}

func (p *fakePeer) Disconnect() {
	p.disconnects++
	p.state = transport.NotConnected
	p.id = 0
}

func (p *fakePeer) Tick() { p.ticks++ }

func (p *fakePeer) Send(payload any, release bool) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, payload)
	return nil
}

func (p *fakePeer) ID() transport.PeerID { return p.id }

func (p *fakePeer) State() transport.ConnectionState { return p.state }

func (p *fakePeer) RoundTripTime() time.Duration { return 5 * time.Millisecond }

func (p *fakePeer) SmoothedRoundTripTime() time.Duration { return 7 * time.Millisecond }

func (p *fakePeer) Events() *transport.Events { return &p.events }

func (p *fakePeer) succeed(id transport.PeerID) {
	p.state = transport.Connected
	p.id = id
	p.events.Connected.Emit(id)
}

func (p *fakePeer) fail(err error) {
	p.state = transport.NotConnected
	p.events.ConnectionFailed.Emit(err)
}

func (p *fakePeer) drop(err error) {
	p.state = transport.NotConnected
	p.id = 0
	p.events.Disconnected.Emit(err)
}

func (p *fakePeer) deliver(msg transport.Message) {
	p.events.MessageReceived.Emit(msg)
}

// subscribed counts live subscriptions across all six feeds.
func (p *fakePeer) subscribed() int {
	return p.events.Connected.Len() +
		p.events.ConnectionFailed.Len() +
		p.events.MessageReceived.Len() +
		p.events.Disconnected.Len() +
		p.events.PeerConnected.Len() +
		p.events.PeerDisconnected.Len()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, peer transport.Peer, table *dispatch.Table) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{Transport: peer, Handlers: table, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresTransport(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	if !errors.Is(err, transport.ErrNoTransport) {
		t.Fatalf("err = %v, want ErrNoTransport", err)
	}
}

func TestNewClientRejectsServerTable(t *testing.T) {
	table, err := dispatch.Build(dispatch.Config{Shape: dispatch.ShapeServer, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = NewClient(ClientConfig{Transport: &fakePeer{}, Handlers: table})
	if !errors.Is(err, ErrTableShape) {
		t.Fatalf("err = %v, want ErrTableShape", err)
	}
}

func TestConnectSubscribesAndDelegates(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	if err := c.Connect("127.0.0.1:7777", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if peer.connectCalls != 1 {
		t.Fatalf("connectCalls = %d, want 1", peer.connectCalls)
	}
	if got := peer.subscribed(); got != 6 {
		t.Fatalf("subscribed = %d, want 6", got)
	}
	if got := c.State(); got != transport.Connecting {
		t.Fatalf("State() = %v, want Connecting", got)
	}
}

func TestConnectDelegateErrorUnwinds(t *testing.T) {
	boom := errors.New("no route")
	peer := &fakePeer{connectErr: boom}
	c := newTestClient(t, peer, nil)

	err := c.Connect("127.0.0.1:7777", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if got := peer.subscribed(); got != 0 {
		t.Fatalf("subscribed after failed Connect = %d, want 0", got)
	}
}

func TestConnectTwiceRestartsSession(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	peer.succeed(3)
	if err := c.Connect("b:2", nil); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if peer.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", peer.disconnects)
	}
	if peer.connectCalls != 2 {
		t.Fatalf("connectCalls = %d, want 2", peer.connectCalls)
	}
	if got := peer.subscribed(); got != 6 {
		t.Fatalf("subscribed = %d, want exactly one set of 6", got)
	}
}

func TestConnectedReRaised(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	var got []transport.PeerID
	c.Events().Connected.Subscribe(func(id transport.PeerID) { got = append(got, id) })

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.succeed(42)

	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("Connected observer saw %v, want [42]", got)
	}
	if c.ID() != 42 {
		t.Fatalf("ID() = %d, want 42", c.ID())
	}
	if c.State() != transport.Connected {
		t.Fatalf("State() = %v, want Connected", c.State())
	}
}

func TestConnectionFailedTearsDownBeforeReRaise(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	boom := errors.New("refused")
	var seen error
	var subsAtObserver int
	c.Events().ConnectionFailed.Subscribe(func(err error) {
		seen = err
		subsAtObserver = peer.subscribed()
	})

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.fail(boom)

	if !errors.Is(seen, boom) {
		t.Fatalf("observer saw %v, want %v", seen, boom)
	}
	if subsAtObserver != 0 {
		t.Fatalf("subscribed during observer = %d, want 0", subsAtObserver)
	}
}

func TestReconnectFromConnectionFailedObserver(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	c.Events().ConnectionFailed.Subscribe(func(error) {
		if err := c.Connect("b:2", nil); err != nil {
			t.Fatalf("Connect from observer: %v", err)
		}
	})

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.fail(errors.New("refused"))

	if peer.connectCalls != 2 {
		t.Fatalf("connectCalls = %d, want 2", peer.connectCalls)
	}
	if got := peer.subscribed(); got != 6 {
		t.Fatalf("subscribed after reconnect = %d, want 6", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	c.Disconnect()
	if peer.disconnects != 0 {
		t.Fatalf("Disconnect on idle client reached transport %d times", peer.disconnects)
	}

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.succeed(1)

	c.Disconnect()
	c.Disconnect()
	if peer.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", peer.disconnects)
	}
	if got := peer.subscribed(); got != 0 {
		t.Fatalf("subscribed = %d, want 0", got)
	}
}

func TestDisconnectedEventTearsDown(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	lost := errors.New("link reset")
	var seen error
	c.Events().Disconnected.Subscribe(func(err error) { seen = err })

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.succeed(1)
	peer.drop(lost)

	if !errors.Is(seen, lost) {
		t.Fatalf("observer saw %v, want %v", seen, lost)
	}
	if got := peer.subscribed(); got != 0 {
		t.Fatalf("subscribed = %d, want 0", got)
	}

	// The transport already reports NotConnected, so this must not reach it.
	c.Disconnect()
	if peer.disconnects != 0 {
		t.Fatalf("Disconnect after remote drop reached transport %d times", peer.disconnects)
	}
}

func TestMessageObserverRunsBeforeHandler(t *testing.T) {
	var order []string
	table, err := dispatch.Build(dispatch.Config{
		Shape:  dispatch.ShapeClient,
		Logger: quietLogger(),
		Handlers: []dispatch.Handler{
			{Message: 7, Name: "note", Fn: func(payload any) { order = append(order, "handler") }},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	peer := &fakePeer{}
	c := newTestClient(t, peer, table)
	c.Events().MessageReceived.Subscribe(func(transport.Message) { order = append(order, "observer") })

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.succeed(1)
	peer.deliver(transport.Message{ID: 7, Sender: transport.ServerPeer, Payload: "hi"})

	if len(order) != 2 || order[0] != "observer" || order[1] != "handler" {
		t.Fatalf("order = %v, want [observer handler]", order)
	}
}

func TestUnhandledMessageStillReachesObservers(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	var got []transport.Message
	c.Events().MessageReceived.Subscribe(func(m transport.Message) { got = append(got, m) })

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.succeed(1)
	peer.deliver(transport.Message{ID: 99, Payload: "stray"})

	if len(got) != 1 || got[0].ID != 99 {
		t.Fatalf("observer saw %v, want one message with id 99", got)
	}
}

func TestChangeTransportTearsDownOld(t *testing.T) {
	oldPeer := &fakePeer{}
	c := newTestClient(t, oldPeer, nil)

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	oldPeer.succeed(1)

	fresh := &fakePeer{}
	c.ChangeTransport(fresh)

	if oldPeer.disconnects != 1 {
		t.Fatalf("old transport disconnects = %d, want 1", oldPeer.disconnects)
	}
	if got := oldPeer.subscribed(); got != 0 {
		t.Fatalf("old transport subscribed = %d, want 0", got)
	}
	if got := c.State(); got != transport.NotConnected {
		t.Fatalf("State() = %v, want NotConnected", got)
	}

	if err := c.Connect("b:2", nil); err != nil {
		t.Fatalf("Connect on new transport: %v", err)
	}
	if fresh.connectCalls != 1 {
		t.Fatalf("new transport connectCalls = %d, want 1", fresh.connectCalls)
	}
}

func TestNilTransport(t *testing.T) {
	c := newTestClient(t, &fakePeer{}, nil)
	c.ChangeTransport(nil)

	if err := c.Connect("a:1", nil); !errors.Is(err, transport.ErrNoTransport) {
		t.Fatalf("Connect err = %v, want ErrNoTransport", err)
	}
	if err := c.Send("x", false); !errors.Is(err, transport.ErrNoTransport) {
		t.Fatalf("Send err = %v, want ErrNoTransport", err)
	}
	c.Tick()
	c.Disconnect()
	if got := c.State(); got != transport.NotConnected {
		t.Fatalf("State() = %v, want NotConnected", got)
	}
	if c.ID() != 0 {
		t.Fatalf("ID() = %d, want 0", c.ID())
	}
}

func TestSendAndTickForward(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.succeed(1)

	if err := c.Send("hello", false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(peer.sent) != 1 || peer.sent[0] != "hello" {
		t.Fatalf("sent = %v, want [hello]", peer.sent)
	}

	c.Tick()
	c.Tick()
	if peer.ticks != 2 {
		t.Fatalf("ticks = %d, want 2", peer.ticks)
	}
}

func TestRemotePeerEventsReRaised(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	var joined, left []transport.PeerID
	c.Events().PeerConnected.Subscribe(func(id transport.PeerID) { joined = append(joined, id) })
	c.Events().PeerDisconnected.Subscribe(func(id transport.PeerID) { left = append(left, id) })

	if err := c.Connect("a:1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer.succeed(1)
	peer.events.PeerConnected.Emit(9)
	peer.events.PeerDisconnected.Emit(9)

	if len(joined) != 1 || joined[0] != 9 {
		t.Fatalf("joined = %v, want [9]", joined)
	}
	if len(left) != 1 || left[0] != 9 {
		t.Fatalf("left = %v, want [9]", left)
	}
}

func TestObserversSurviveReconnect(t *testing.T) {
	peer := &fakePeer{}
	c := newTestClient(t, peer, nil)

	var connected int
	c.Events().Connected.Subscribe(func(transport.PeerID) { connected++ })

	for i := 0; i < 2; i++ {
		if err := c.Connect("a:1", nil); err != nil {
			t.Fatalf("Connect #%d: %v", i+1, err)
		}
		peer.succeed(transport.PeerID(i + 1))
		c.Disconnect()
	}

	if connected != 2 {
		t.Fatalf("observer fired %d times across reconnects, want 2", connected)
	}
}
