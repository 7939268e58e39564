// Package link provides the connection-facing facades of gridlink: a
// Client wrapping one transport.Peer and a Server wrapping one
// transport.Server.
//
// A facade owns its transport reference exclusively. It subscribes to the
// transport's lifecycle feeds exactly once per session, re-raises each
// event on its own feeds for the host application, and routes inbound
// messages through a dispatch.Table. The subscription set is torn down in
// full on Disconnect and Stop, on ConnectionFailed and Disconnected, and
// before a transport swap, so no code path can leave a facade doubly
// subscribed or subscribed to a dead transport.
//
// Facades follow the cooperative model described in the transport
// package: one goroutine owns a facade, drives Tick, and receives every
// callback on that goroutine. No facade method blocks.
//
// # Client
//
//	table, err := dispatch.Build(dispatch.Config{
//	    Group:    1,
//	    Shape:    dispatch.ShapeClient,
//	    Handlers: pool,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := link.NewClient(link.ClientConfig{
//	    Transport: ws.NewPeer(ws.Config{}),
//	    Handlers:  table,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.Events().Disconnected.Subscribe(func(err error) {
//	    log.Printf("link lost: %v", err)
//	})
//	if err := client.Connect("127.0.0.1:7777", nil); err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    client.Tick()
//	    time.Sleep(50 * time.Millisecond)
//	}
//
// For each inbound message the facade raises MessageReceived on its own
// feeds first and invokes the table handler second, so general observers
// always see a message before its specific handler runs.
package link
