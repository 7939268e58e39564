package cli

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridlink/gridlink/pkg/dispatch"
	"github.com/gridlink/gridlink/pkg/link"
	"github.com/gridlink/gridlink/pkg/logging"
	"github.com/gridlink/gridlink/pkg/transport"
	"github.com/gridlink/gridlink/pkg/transport/quic"
	"github.com/gridlink/gridlink/pkg/transport/ws"
)

var (
	connectTransport string
	connectName      string
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect [address]",
	Short: "Connect to a gridlink relay as an interactive peer",
	Long: `Connect to a gridlink relay as an interactive peer.

Lines typed on stdin are sent as chat messages and rebroadcast by the
relay to every peer. A few slash commands talk to the relay directly:

  /echo <text>   ask the relay to echo text back to this peer only
  /rtt           print the measured round trip time
  /quit          disconnect and exit

The address defaults to 127.0.0.1:7350.`,
	Example: `  # Connect to a local relay over websocket
  gridlink connect

  # Connect to a remote relay over QUIC with a display name
  gridlink connect --transport quic --name ada relay.example.com:4433`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().StringVarP(&connectTransport, "transport", "t", "ws", "Transport: ws or quic")
	connectCmd.Flags().StringVarP(&connectName, "name", "n", "", "Display name sent in the hail")
}

func runConnect(cmd *cobra.Command, args []string) error {
	addr := "127.0.0.1:7350"
	if len(args) > 0 {
		addr = args[0]
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Format: logging.ParseFormat(logFormat),
	})

	peer, err := buildTransportPeer(connectTransport, logger)
	if err != nil {
		return err
	}

	table, err := dispatch.Build(dispatch.Config{
		Shape:  dispatch.ShapeClient,
		Logger: logger,
		Handlers: []dispatch.Handler{
			{
				Message: msgEcho,
				Name:    "echo",
				Fn: func(payload any) {
					fmt.Printf("echo: %s\n", payloadText(payload))
				},
			},
			{
				Message: msgChat,
				Name:    "chat",
				Fn: func(payload any) {
					fmt.Println(payloadText(payload))
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("build handler table: %w", err)
	}

	client, err := link.NewClient(link.ClientConfig{Transport: peer, Handlers: table, Logger: logger})
	if err != nil {
		return err
	}

	// The observers run inside Tick on this goroutine, so plain variables
	// carry the outcome out of the callbacks.
	var failed, lost error
	client.Events().Connected.Subscribe(func(pid transport.PeerID) {
		fmt.Printf("Connected as peer %d\n", pid)
	})
	client.Events().ConnectionFailed.Subscribe(func(err error) {
		failed = err
	})
	client.Events().Disconnected.Subscribe(func(err error) {
		lost = err
	})
	client.Events().PeerConnected.Subscribe(func(pid transport.PeerID) {
		fmt.Printf("* peer %d joined\n", pid)
	})
	client.Events().PeerDisconnected.Subscribe(func(pid transport.PeerID) {
		fmt.Printf("* peer %d left\n", pid)
	})

	fmt.Printf("Connecting to %s over %s...\n", addr, connectTransport)
	if err := client.Connect(addr, connectName); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			client.Tick()
			if failed != nil {
				return failed
			}
			if lost != nil {
				fmt.Println("Connection closed:", lost)
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				client.Disconnect()
				return nil
			}
			if done := handleInput(client, line); done {
				return nil
			}
		case <-sigChan:
			fmt.Println("\nDisconnecting...")
			client.Disconnect()
			return nil
		}
	}
}

// handleInput reacts to one line of user input. It reports true when the
// session should end.
func handleInput(client *link.Client, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		client.Disconnect()
		fmt.Println("Disconnected")
		return true
	case line == "/rtt":
		fmt.Printf("rtt %s (smoothed %s)\n", client.RoundTripTime(), client.SmoothedRoundTripTime())
		return false
	case strings.HasPrefix(line, "/echo "):
		text := strings.TrimPrefix(line, "/echo ")
		if err := client.Send(transport.Message{ID: msgEcho, Payload: text}, false); err != nil {
			fmt.Println("send failed:", err)
		}
		return false
	default:
		if err := client.Send(transport.Message{ID: msgChat, Payload: line}, false); err != nil {
			fmt.Println("send failed:", err)
		}
		return false
	}
}

func buildTransportPeer(name string, logger *slog.Logger) (transport.Peer, error) {
	switch name {
	case "ws":
		return ws.NewPeer(ws.Config{Logger: logger}), nil
	case "quic":
		return quic.NewPeer(quic.Config{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
