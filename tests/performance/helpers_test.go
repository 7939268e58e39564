// Package performance holds benchmarks for the relay's hot paths: the
// frame codec, handler dispatch, event feeds and full round trips over
// the loopback and websocket transports.
package performance

import (
	"net"
	"testing"
	"time"

	"github.com/gridlink/gridlink/pkg/dispatch"
	"github.com/gridlink/gridlink/pkg/link"
	"github.com/gridlink/gridlink/pkg/logging"
	"github.com/gridlink/gridlink/pkg/transport"
)

const echoMsg transport.MessageID = 1

// getFreePort returns an available TCP port on localhost.
func getFreePort() int {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		panic(err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

// echoRelay wraps srv in a link.Server whose only handler bounces data
// messages straight back to the sender.
func echoRelay(b *testing.B, srv transport.Server) *link.Server {
	b.Helper()
	var relay *link.Server
	table, err := dispatch.Build(dispatch.Config{
		Shape:  dispatch.ShapeServer,
		Logger: logging.Nop(),
		Handlers: []dispatch.Handler{
			{
				Message: echoMsg,
				Name:    "echo",
				Fn: func(sender transport.PeerID, payload any) {
					if err := relay.Send(sender, transport.Message{ID: echoMsg, Payload: payload}, false); err != nil {
						b.Errorf("echo send: %v", err)
					}
				},
			},
		},
	})
	if err != nil {
		b.Fatalf("build table: %v", err)
	}
	relay, err = link.NewServer(link.ServerConfig{Transport: srv, Handlers: table, Logger: logging.Nop()})
	if err != nil {
		b.Fatalf("new server: %v", err)
	}
	return relay
}

// countingClient wraps peer in a link.Client that bumps *got for every
// echo reply.
func countingClient(b *testing.B, peer transport.Peer, got *int) *link.Client {
	b.Helper()
	table, err := dispatch.Build(dispatch.Config{
		Shape:  dispatch.ShapeClient,
		Logger: logging.Nop(),
		Handlers: []dispatch.Handler{
			{Message: echoMsg, Name: "echo", Fn: func(any) { *got++ }},
		},
	})
	if err != nil {
		b.Fatalf("build table: %v", err)
	}
	client, err := link.NewClient(link.ClientConfig{Transport: peer, Handlers: table, Logger: logging.Nop()})
	if err != nil {
		b.Fatalf("new client: %v", err)
	}
	return client
}

// pumpUntil ticks every side until cond holds. Setup only; not for the
// measured loop.
func pumpUntil(b *testing.B, cond func() bool, sides ...interface{ Tick() }) {
	b.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			b.Fatal("benchmark setup timed out")
		}
		for _, s := range sides {
			s.Tick()
		}
	}
}
