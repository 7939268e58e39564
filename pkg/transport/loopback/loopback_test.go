package loopback

import (
	"errors"
	"testing"
	"time"

	"github.com/gridlink/gridlink/pkg/logging"
	"github.com/gridlink/gridlink/pkg/transport"
)

func testConfig() Config {
	return Config{Network: NewNetwork(), Logger: logging.Nop()}
}

// pump alternates ticks until queued work on both sides has settled.
func pump(s *Server, peers ...*Peer) {
	for i := 0; i < 4; i++ {
		s.Tick()
		for _, p := range peers {
			p.Tick()
		}
	}
}

func TestConnectHandshake(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var joined []transport.PeerID
	var hails []transport.Message
	srv.Events().PeerConnected.Subscribe(func(id transport.PeerID) { joined = append(joined, id) })
	srv.Events().MessageReceived.Subscribe(func(m transport.Message) { hails = append(hails, m) })

	peer := NewPeer(cfg)
	var connected []transport.PeerID
	peer.Events().Connected.Subscribe(func(id transport.PeerID) { connected = append(connected, id) })

	if err := peer.Connect("7777", "hello server"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := peer.State(); got != transport.Connecting {
		t.Fatalf("State() = %v, want Connecting", got)
	}

	pump(srv, peer)

	if len(joined) != 1 || joined[0] != 1 {
		t.Fatalf("server joined = %v, want [1]", joined)
	}
	if len(hails) != 1 || hails[0].ID != transport.HailMessage || hails[0].Sender != 1 {
		t.Fatalf("hail = %+v, want hail message from peer 1", hails)
	}
	if hails[0].Payload != "hello server" {
		t.Fatalf("hail payload = %v, want %q", hails[0].Payload, "hello server")
	}
	if len(connected) != 1 || connected[0] != 1 {
		t.Fatalf("client connected = %v, want [1]", connected)
	}
	if peer.State() != transport.Connected || peer.ID() != 1 {
		t.Fatalf("peer state=%v id=%d, want Connected/1", peer.State(), peer.ID())
	}
	if srv.PeerCount() != 1 {
		t.Fatalf("PeerCount() = %d, want 1", srv.PeerCount())
	}
}

func TestConnectHostPortAddress(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer := NewPeer(cfg)
	if err := peer.Connect("127.0.0.1:7777", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(srv, peer)
	if peer.State() != transport.Connected {
		t.Fatalf("State() = %v, want Connected", peer.State())
	}
}

func TestConnectInvalidAddress(t *testing.T) {
	peer := NewPeer(testConfig())
	err := peer.Connect("not-a-port", nil)
	if !errors.Is(err, transport.ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
	if peer.State() != transport.NotConnected {
		t.Fatalf("State() = %v, want NotConnected", peer.State())
	}
}

func TestConnectNoServer(t *testing.T) {
	peer := NewPeer(testConfig())
	var failed []error
	peer.Events().ConnectionFailed.Subscribe(func(err error) { failed = append(failed, err) })

	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("Connect returned sync error: %v", err)
	}
	peer.Tick()

	if len(failed) != 1 || !errors.Is(failed[0], ErrNoServer) {
		t.Fatalf("failed = %v, want [ErrNoServer]", failed)
	}
	if peer.State() != transport.NotConnected {
		t.Fatalf("State() = %v, want NotConnected", peer.State())
	}
}

func TestConnectWhileConnectedErrors(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer := NewPeer(cfg)
	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := peer.Connect("7777", nil); !errors.Is(err, transport.ErrAlreadyConnected) {
		t.Fatalf("second Connect err = %v, want ErrAlreadyConnected", err)
	}
}

func TestServerFull(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := NewPeer(cfg)
	second := NewPeer(cfg)
	var failed []error
	second.Events().ConnectionFailed.Subscribe(func(err error) { failed = append(failed, err) })

	if err := first.Connect("7777", nil); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	pump(srv, first)
	if err := second.Connect("7777", nil); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	pump(srv, first, second)

	if len(failed) != 1 || !errors.Is(failed[0], ErrServerFull) {
		t.Fatalf("failed = %v, want [ErrServerFull]", failed)
	}
	if srv.PeerCount() != 1 {
		t.Fatalf("PeerCount() = %d, want 1", srv.PeerCount())
	}
}

func TestSendBothDirections(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer := NewPeer(cfg)
	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(srv, peer)

	var atServer, atClient []transport.Message
	srv.Events().MessageReceived.Subscribe(func(m transport.Message) { atServer = append(atServer, m) })
	peer.Events().MessageReceived.Subscribe(func(m transport.Message) { atClient = append(atClient, m) })

	if err := peer.Send(transport.Message{ID: 5, Payload: "up"}, false); err != nil {
		t.Fatalf("peer Send: %v", err)
	}
	if err := srv.Send(peer.ID(), transport.Message{ID: 6, Payload: "down"}, false); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	pump(srv, peer)

	if len(atServer) != 1 || atServer[0].ID != 5 || atServer[0].Sender != peer.ID() {
		t.Fatalf("server got %v, want one message id 5 from %d", atServer, peer.ID())
	}
	if atServer[0].Payload != "up" {
		t.Fatalf("server payload = %v, want up", atServer[0].Payload)
	}
	if len(atClient) != 1 || atClient[0].ID != 6 || atClient[0].Sender != transport.ServerPeer {
		t.Fatalf("client got %v, want one message id 6 from the server", atClient)
	}
}

func TestSendToAll(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a := NewPeer(cfg)
	b := NewPeer(cfg)
	if err := a.Connect("7777", nil); err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	if err := b.Connect("7777", nil); err != nil {
		t.Fatalf("Connect b: %v", err)
	}
	pump(srv, a, b)

	var gotA, gotB []transport.Message
	a.Events().MessageReceived.Subscribe(func(m transport.Message) { gotA = append(gotA, m) })
	b.Events().MessageReceived.Subscribe(func(m transport.Message) { gotB = append(gotB, m) })

	if err := srv.SendToAll(transport.Message{ID: 9, Payload: "tick"}, false); err != nil {
		t.Fatalf("SendToAll: %v", err)
	}
	pump(srv, a, b)

	if len(gotA) != 1 || len(gotB) != 1 {
		t.Fatalf("gotA=%d gotB=%d messages, want 1 each", len(gotA), len(gotB))
	}
}

func TestSendValidation(t *testing.T) {
	cfg := testConfig()
	peer := NewPeer(cfg)
	if err := peer.Send(transport.Message{ID: 1}, false); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Send while disconnected err = %v, want ErrNotConnected", err)
	}

	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(srv, peer)

	if err := peer.Send("bare string", false); !errors.Is(err, transport.ErrInvalidPayload) {
		t.Fatalf("Send(string) err = %v, want ErrInvalidPayload", err)
	}
	if err := srv.Send(99, transport.Message{ID: 1}, false); !errors.Is(err, transport.ErrPeerNotFound) {
		t.Fatalf("Send to unknown peer err = %v, want ErrPeerNotFound", err)
	}
}

func TestVoluntaryDisconnectIsSilentLocally(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer := NewPeer(cfg)
	var dropped []error
	peer.Events().Disconnected.Subscribe(func(err error) { dropped = append(dropped, err) })
	var left []transport.PeerID
	srv.Events().PeerDisconnected.Subscribe(func(id transport.PeerID) { left = append(left, id) })

	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(srv, peer)

	peer.Disconnect()
	pump(srv, peer)

	if len(dropped) != 0 {
		t.Fatalf("Disconnected fired %v for a voluntary disconnect", dropped)
	}
	if len(left) != 1 || left[0] != 1 {
		t.Fatalf("server left = %v, want [1]", left)
	}
	if srv.PeerCount() != 0 {
		t.Fatalf("PeerCount() = %d, want 0", srv.PeerCount())
	}
}

func TestServerStopDisconnectsPeers(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer := NewPeer(cfg)
	var dropped []error
	peer.Events().Disconnected.Subscribe(func(err error) { dropped = append(dropped, err) })

	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(srv, peer)

	srv.Stop()
	peer.Tick()

	if len(dropped) != 1 || !errors.Is(dropped[0], ErrServerStopped) {
		t.Fatalf("dropped = %v, want [ErrServerStopped]", dropped)
	}
	if peer.State() != transport.NotConnected {
		t.Fatalf("State() = %v, want NotConnected", peer.State())
	}
}

func TestStopRejectsQueuedJoin(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer := NewPeer(cfg)
	var failed []error
	peer.Events().ConnectionFailed.Subscribe(func(err error) { failed = append(failed, err) })

	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Stop before the server ever ticks; the queued join must turn into
	// a rejection instead of hanging the client in Connecting.
	srv.Stop()
	peer.Tick()

	if len(failed) != 1 || !errors.Is(failed[0], ErrServerStopped) {
		t.Fatalf("failed = %v, want [ErrServerStopped]", failed)
	}
}

func TestDisconnectPeer(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	kicked := NewPeer(cfg)
	watcher := NewPeer(cfg)
	if err := kicked.Connect("7777", nil); err != nil {
		t.Fatalf("Connect kicked: %v", err)
	}
	pump(srv, kicked)
	if err := watcher.Connect("7777", nil); err != nil {
		t.Fatalf("Connect watcher: %v", err)
	}
	pump(srv, kicked, watcher)

	var dropped []error
	kicked.Events().Disconnected.Subscribe(func(err error) { dropped = append(dropped, err) })
	var seenGone []transport.PeerID
	watcher.Events().PeerDisconnected.Subscribe(func(id transport.PeerID) { seenGone = append(seenGone, id) })
	var serverGone []transport.PeerID
	srv.Events().PeerDisconnected.Subscribe(func(id transport.PeerID) { serverGone = append(serverGone, id) })

	if err := srv.DisconnectPeer(kicked.ID()); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}
	pump(srv, kicked, watcher)

	if len(dropped) != 1 || !errors.Is(dropped[0], ErrClosedByServer) {
		t.Fatalf("dropped = %v, want [ErrClosedByServer]", dropped)
	}
	if len(seenGone) != 1 || seenGone[0] != 1 {
		t.Fatalf("watcher saw %v leave, want [1]", seenGone)
	}
	if len(serverGone) != 1 || serverGone[0] != 1 {
		t.Fatalf("server raised %v, want [1]", serverGone)
	}
	if srv.PeerCount() != 1 {
		t.Fatalf("PeerCount() = %d, want 1", srv.PeerCount())
	}
}

func TestRosterAnnouncedToJoiner(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := NewPeer(cfg)
	if err := first.Connect("7777", nil); err != nil {
		t.Fatalf("Connect first: %v", err)
	}
	pump(srv, first)

	second := NewPeer(cfg)
	var order []string
	second.Events().Connected.Subscribe(func(transport.PeerID) { order = append(order, "connected") })
	second.Events().PeerConnected.Subscribe(func(id transport.PeerID) {
		if id == first.ID() {
			order = append(order, "roster")
		}
	})
	var firstSaw []transport.PeerID
	first.Events().PeerConnected.Subscribe(func(id transport.PeerID) { firstSaw = append(firstSaw, id) })

	if err := second.Connect("7777", nil); err != nil {
		t.Fatalf("Connect second: %v", err)
	}
	pump(srv, first, second)

	if len(order) != 2 || order[0] != "connected" || order[1] != "roster" {
		t.Fatalf("joiner order = %v, want [connected roster]", order)
	}
	if len(firstSaw) != 1 || firstSaw[0] != second.ID() {
		t.Fatalf("first saw %v join, want [%d]", firstSaw, second.ID())
	}
}

func TestServerStartStopCycle(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)

	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Start(7777, 4); !errors.Is(err, transport.ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	if got := srv.MaxPeerCount(); got != 4 {
		t.Errorf("MaxPeerCount = %d, want 4", got)
	}
	if got := srv.PeerCount(); got != 0 {
		t.Errorf("PeerCount = %d, want 0", got)
	}

	srv.Stop()
	if got := srv.MaxPeerCount(); got != 0 {
		t.Errorf("MaxPeerCount after Stop = %d, want 0", got)
	}

	// The port must be free again for a fresh listener, and the new
	// limit must replace the zeroed one.
	if err := srv.Start(7777, 2); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := srv.MaxPeerCount(); got != 2 {
		t.Errorf("MaxPeerCount after restart = %d, want 2", got)
	}
	srv.Stop()
}

func TestPortConflict(t *testing.T) {
	cfg := testConfig()
	a := NewServer(cfg)
	b := NewServer(cfg)
	if err := a.Start(7777, 4); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := b.Start(7777, 4); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("Start b err = %v, want ErrPortInUse", err)
	}
	a.Stop()
	if err := b.Start(7777, 4); err != nil {
		t.Fatalf("Start b after release: %v", err)
	}
}

func TestRapidReconnectKeepsOneSession(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg)
	if err := srv.Start(7777, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer := NewPeer(cfg)
	var connected []transport.PeerID
	peer.Events().Connected.Subscribe(func(id transport.PeerID) { connected = append(connected, id) })

	// Connect, bail out and reconnect before the server processes any
	// of it. Only the second attempt may complete.
	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	peer.Disconnect()
	if err := peer.Connect("7777", nil); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	pump(srv, peer)

	if len(connected) != 1 {
		t.Fatalf("Connected fired %d times, want 1", len(connected))
	}
	if peer.ID() != connected[0] {
		t.Fatalf("ID() = %d, want %d", peer.ID(), connected[0])
	}
	if srv.PeerCount() != 1 {
		t.Fatalf("PeerCount() = %d, want 1", srv.PeerCount())
	}
}

func TestLatencyAccessors(t *testing.T) {
	cfg := testConfig()
	cfg.Latency = 25 * time.Millisecond
	peer := NewPeer(cfg)
	if peer.RoundTripTime() != cfg.Latency || peer.SmoothedRoundTripTime() != cfg.Latency {
		t.Fatalf("latency accessors = %v/%v, want %v", peer.RoundTripTime(), peer.SmoothedRoundTripTime(), cfg.Latency)
	}
}
