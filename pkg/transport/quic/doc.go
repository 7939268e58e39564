// Package quic implements the transport contracts over QUIC. Each
// session is a single bidirectional stream carrying the binary frames
// from the wire package; the handshake, roster updates and latency
// probes work exactly as in the websocket transport.
//
// # TLS
//
// QUIC requires TLS. Servers must be given a certificate through
// Config.TLS; GenerateDevTLS builds a self-signed one for development.
// Peers with a nil Config.TLS dial without certificate verification,
// which pairs with GenerateDevTLS and nothing else. Both sides speak
// the "gridlink" ALPN.
//
// # Usage
//
//	tlsConf, err := quic.GenerateDevTLS()
//	if err != nil {
//		log.Fatal(err)
//	}
//	srv := quic.NewServer(quic.Config{TLS: tlsConf})
//	if err := srv.Start(7350, 64); err != nil {
//		log.Fatal(err)
//	}
//	for {
//		srv.Tick()
//		time.Sleep(50 * time.Millisecond)
//	}
package quic
