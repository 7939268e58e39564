// Package integration exercises the full relay stack: link facades over
// real transports, driven the way an application would drive them.
package integration

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridlink/gridlink/pkg/dispatch"
	"github.com/gridlink/gridlink/pkg/link"
	"github.com/gridlink/gridlink/pkg/logging"
	"github.com/gridlink/gridlink/pkg/transport"
)

// Message ids used by the test relay. Id 0 is the hail.
const (
	echoMsg transport.MessageID = 1
	chatMsg transport.MessageID = 2
)

// tickable is any side of a link that advances on Tick.
type tickable interface {
	Tick()
}

// waitFor ticks every side until cond holds. Network transports deliver
// through background goroutines, so the condition may need many ticks.
func waitFor(t *testing.T, what string, cond func() bool, sides ...tickable) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range sides {
			s.Tick()
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// text renders a payload the way it arrives: wire transports deliver
// []byte, the loopback transport delivers the value that was sent.
func text(payload any) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case []byte:
		return string(p)
	case string:
		return p
	default:
		return fmt.Sprintf("%v", p)
	}
}

// relayCapture collects what the relay's handlers saw.
type relayCapture struct {
	hails []string
}

// newRelay wraps srv in a link.Server with the test handler group: hail
// payloads are recorded, echoMsg is answered to the sender, chatMsg is
// rebroadcast to everyone with a sender tag.
func newRelay(t *testing.T, srv transport.Server) (*link.Server, *relayCapture) {
	t.Helper()
	rec := &relayCapture{}
	var relay *link.Server
	table, err := dispatch.Build(dispatch.Config{
		Shape:  dispatch.ShapeServer,
		Logger: logging.Nop(),
		Handlers: []dispatch.Handler{
			{
				Message: transport.HailMessage,
				Name:    "hail",
				Fn: func(sender transport.PeerID, payload any) {
					rec.hails = append(rec.hails, text(payload))
				},
			},
			{
				Message: echoMsg,
				Name:    "echo",
				Fn: func(sender transport.PeerID, payload any) {
					err := relay.Send(sender, transport.Message{ID: echoMsg, Payload: payload}, false)
					require.NoError(t, err)
				},
			},
			{
				Message: chatMsg,
				Name:    "chat",
				Fn: func(sender transport.PeerID, payload any) {
					line := fmt.Sprintf("[%d] %s", sender, text(payload))
					err := relay.SendToAll(transport.Message{ID: chatMsg, Payload: line}, false)
					require.NoError(t, err)
				},
			},
		},
	})
	require.NoError(t, err)

	relay, err = link.NewServer(link.ServerConfig{Transport: srv, Handlers: table, Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(relay.Stop)
	return relay, rec
}

// probe is a link.Client plus everything its feeds and handlers
// reported. All fields are written inside Tick on the test goroutine.
type probe struct {
	client *link.Client

	connected int
	failed    error
	lost      error
	joins     []transport.PeerID
	leaves    []transport.PeerID
	inbox     []string
}

// newProbe wraps peer in a link.Client whose handlers and observers
// record into the returned probe.
func newProbe(t *testing.T, peer transport.Peer) *probe {
	t.Helper()
	p := &probe{}
	record := func(payload any) {
		p.inbox = append(p.inbox, text(payload))
	}
	table, err := dispatch.Build(dispatch.Config{
		Shape:  dispatch.ShapeClient,
		Logger: logging.Nop(),
		Handlers: []dispatch.Handler{
			{Message: echoMsg, Name: "echo", Fn: record},
			{Message: chatMsg, Name: "chat", Fn: record},
		},
	})
	require.NoError(t, err)

	client, err := link.NewClient(link.ClientConfig{Transport: peer, Handlers: table, Logger: logging.Nop()})
	require.NoError(t, err)
	p.client = client

	client.Events().Connected.Subscribe(func(transport.PeerID) { p.connected++ })
	client.Events().ConnectionFailed.Subscribe(func(err error) { p.failed = err })
	client.Events().Disconnected.Subscribe(func(err error) { p.lost = err })
	client.Events().PeerConnected.Subscribe(func(id transport.PeerID) { p.joins = append(p.joins, id) })
	client.Events().PeerDisconnected.Subscribe(func(id transport.PeerID) { p.leaves = append(p.leaves, id) })

	t.Cleanup(client.Disconnect)
	return p
}

func (p *probe) Tick() {
	p.client.Tick()
}

func (p *probe) up() bool {
	return p.connected > 0 && p.client.State() == transport.Connected
}
