package e2e_test

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gridlink/gridlink/pkg/dispatch"
	"github.com/gridlink/gridlink/pkg/link"
	"github.com/gridlink/gridlink/pkg/logging"
	"github.com/gridlink/gridlink/pkg/transport"
	"github.com/gridlink/gridlink/pkg/transport/wire"
	"github.com/gridlink/gridlink/pkg/transport/ws"
)

const (
	echoMsg transport.MessageID = 1
	chatMsg transport.MessageID = 2
)

func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to get port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startRelay runs a websocket relay with the echo and chat handlers,
// ticked from a background goroutine. Tests talk to it only through the
// wire, with a foreign websocket client, so nothing here is shared with
// the test goroutine. The returned shutdown func is idempotent and also
// registered as a cleanup.
func startRelay(t *testing.T, port, maxPeers int) (string, func()) {
	t.Helper()

	var relay *link.Server
	table, err := dispatch.Build(dispatch.Config{
		Shape:  dispatch.ShapeServer,
		Logger: logging.Nop(),
		Handlers: []dispatch.Handler{
			{
				Message: echoMsg,
				Name:    "echo",
				Fn: func(sender transport.PeerID, payload any) {
					_ = relay.Send(sender, transport.Message{ID: echoMsg, Payload: payload}, false)
				},
			},
			{
				Message: chatMsg,
				Name:    "chat",
				Fn: func(sender transport.PeerID, payload any) {
					line := fmt.Sprintf("[peer %d] %s", sender, payload)
					_ = relay.SendToAll(transport.Message{ID: chatMsg, Payload: line}, false)
				},
			},
		},
	})
	require.NoError(t, err)

	relay, err = link.NewServer(link.ServerConfig{
		Transport: ws.NewServer(ws.Config{Logger: logging.Nop()}),
		Handlers:  table,
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, relay.Start(port, maxPeers))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				relay.Tick()
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			close(stop)
			<-done
			relay.Stop()
		})
	}
	t.Cleanup(shutdown)

	return fmt.Sprintf("ws://127.0.0.1:%d/gridlink", port), shutdown
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *wire.Frame) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.Encode(f)))
}

// readFrame returns the next binary frame, skipping any other message
// kinds.
func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if typ != websocket.BinaryMessage {
			continue
		}
		f, err := wire.Decode(data)
		require.NoError(t, err)
		return f
	}
}

// readFrameOfType reads frames until one of the wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, want wire.FrameType) *wire.Frame {
	t.Helper()
	for {
		if f := readFrame(t, conn); f.Type == want {
			return f
		}
	}
}

// join performs the hail handshake and returns the assigned peer id.
func join(t *testing.T, conn *websocket.Conn, name string) transport.PeerID {
	t.Helper()
	writeFrame(t, conn, &wire.Frame{Type: wire.FrameHail, Payload: []byte(name)})
	f := readFrameOfType(t, conn, wire.FrameWelcome)
	require.NotZero(t, f.Peer)
	return f.Peer
}
