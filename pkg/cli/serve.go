package cli

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridlink/gridlink/internal/id"
	"github.com/gridlink/gridlink/pkg/config"
	"github.com/gridlink/gridlink/pkg/dispatch"
	"github.com/gridlink/gridlink/pkg/link"
	"github.com/gridlink/gridlink/pkg/logging"
	"github.com/gridlink/gridlink/pkg/metrics"
	"github.com/gridlink/gridlink/pkg/transport"
	"github.com/gridlink/gridlink/pkg/transport/loopback"
	"github.com/gridlink/gridlink/pkg/transport/quic"
	"github.com/gridlink/gridlink/pkg/transport/ws"
)

var (
	serveConfigFile string
	servePort       int
	serveTransport  string
	serveMaxPeers   int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a gridlink relay server",
	Long: `Run a gridlink relay server.

The relay accepts peers over the configured transport and serves a
built-in handler group: echo (message id 1) answers the sender, chat
(message id 2) rebroadcasts to every peer. Hail payloads are logged.

Settings come from the config file, GRIDLINK_* environment variables
and flags, in that order of precedence. Log level changes in the config
file are picked up without a restart.`,
	Example: `  # Serve websocket peers on the default port
  gridlink serve

  # Serve QUIC on a custom port with a peer limit
  gridlink serve --transport quic --port 4433 --max-peers 128

  # Serve with a config file, watching it for log level changes
  gridlink serve --config gridlink.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "Path to configuration file")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVarP(&serveTransport, "transport", "t", "", "Transport: ws, quic or loopback (overrides config)")
	serveCmd.Flags().IntVar(&serveMaxPeers, "max-peers", 0, "Peer limit, 0 for unlimited (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, v, err := config.Load(serveConfigFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("transport") {
		cfg.Server.Transport = serveTransport
	}
	if flags.Changed("max-peers") {
		cfg.Server.MaxPeers = serveMaxPeers
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, level, closeLogs, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLogs()
	logger = logger.With("run_id", id.Token())

	srv, err := buildTransportServer(cfg, logger)
	if err != nil {
		return err
	}

	// The handlers need the facade for replies; the variable exists
	// before the table that closes over it.
	var relay *link.Server

	table, err := dispatch.Build(dispatch.Config{
		Shape:  dispatch.ShapeServer,
		Logger: logger,
		Handlers: []dispatch.Handler{
			{
				Message: transport.HailMessage,
				Name:    "hail",
				Fn: func(sender transport.PeerID, payload any) {
					if name := payloadText(payload); name != "" {
						fmt.Printf("Peer %d hailed as %q\n", sender, name)
					}
				},
			},
			{
				Message: msgEcho,
				Name:    "echo",
				Fn: func(sender transport.PeerID, payload any) {
					if err := relay.Send(sender, transport.Message{ID: msgEcho, Payload: payload}, false); err != nil {
						logger.Warn("echo reply failed", "peer_id", sender, "error", err)
					}
				},
			},
			{
				Message: msgChat,
				Name:    "chat",
				Fn: func(sender transport.PeerID, payload any) {
					line := fmt.Sprintf("[peer %d] %s", sender, payloadText(payload))
					if err := relay.SendToAll(transport.Message{ID: msgChat, Payload: line}, false); err != nil {
						logger.Warn("chat broadcast failed", "error", err)
					}
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("build handler table: %w", err)
	}

	relay, err = link.NewServer(link.ServerConfig{Transport: srv, Handlers: table, Logger: logger})
	if err != nil {
		return err
	}

	// The facade logs joins and leaves; these prints are the operator view.
	relay.Events().PeerConnected.Subscribe(func(pid transport.PeerID) {
		fmt.Printf("Peer %d joined (%d connected)\n", pid, relay.PeerCount())
	})
	relay.Events().PeerDisconnected.Subscribe(func(pid transport.PeerID) {
		fmt.Printf("Peer %d left (%d connected)\n", pid, relay.PeerCount())
	})

	if err := relay.Start(cfg.Server.Port, cfg.Server.MaxPeers); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Default().Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() { _ = metricsSrv.Close() }()
	}

	if serveConfigFile != "" {
		config.Watch(v, logger, func(c config.Config) {
			level.Set(logging.ParseLevel(c.Log.Level))
		})
	}

	printServeBanner(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Server.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			relay.Tick()
		case <-sigChan:
			fmt.Println("\nShutting down...")
			relay.Stop()
			fmt.Println("Server stopped")
			return nil
		}
	}
}

// buildLogger assembles the serve logger: stderr in the configured
// format, plus an optional JSON file and an optional Loki shipper. The
// returned LevelVar adjusts all of them at once.
func buildLogger(cfg config.Config) (*slog.Logger, *slog.LevelVar, func(), error) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.Log.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if logging.ParseFormat(cfg.Log.Format) == logging.FormatJSON {
		handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}

	var file *os.File
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	var loki *logging.LokiHandler
	if cfg.Log.LokiURL != "" {
		loki = logging.NewLokiHandler(cfg.Log.LokiURL,
			logging.WithLokiLevel(logging.ParseLevel(cfg.Log.Level)))
		handlers = append(handlers, loki)
	}

	cleanup := func() {
		if loki != nil {
			_ = loki.Close()
		}
		if file != nil {
			_ = file.Close()
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), level, cleanup, nil
	}
	return slog.New(logging.NewMultiHandler(handlers...)), level, cleanup, nil
}

func buildTransportServer(cfg config.Config, logger *slog.Logger) (transport.Server, error) {
	switch cfg.Server.Transport {
	case "ws":
		return ws.NewServer(ws.Config{Logger: logger}), nil
	case "quic":
		tlsConf, err := serverTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return quic.NewServer(quic.Config{TLS: tlsConf, Logger: logger}), nil
	case "loopback":
		return loopback.NewServer(loopback.Config{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
}

func serverTLSConfig(cfg config.Config) (*tls.Config, error) {
	if cfg.Server.TLSCert == "" {
		fmt.Println("No TLS certificate configured; using a self-signed development certificate")
		return quic.GenerateDevTLS()
	}
	cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}, nil
}

func printServeBanner(cfg config.Config) {
	fmt.Printf("gridlink relay running on %s port %d\n", cfg.Server.Transport, cfg.Server.Port)
	if cfg.Server.MaxPeers > 0 {
		fmt.Printf("Peer limit: %d\n", cfg.Server.MaxPeers)
	}
	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		fmt.Printf("Metrics on http://%s/metrics\n", addr)
	}
	fmt.Println("Press Ctrl+C to stop")
}
