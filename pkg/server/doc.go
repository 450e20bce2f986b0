// Package server accepts frontend connections, runs the handshake that
// attaches each one to a window, and feeds decoded frames to a dispatcher.
//
// # Architecture
//
// The server runtime consists of several key components:
//
//   - Server: HTTP routing (chi), WebSocket upgrade (gorilla/websocket), an
//     optional raw TCP listener, window pages and the client script
//   - Conn: one client connection with its state machine, read loop and worker
//   - MetricsCollector: atomic counters behind Server.Metrics
//
// # Connection Lifecycle
//
// Every connection moves through
//
//	Connecting → Handshaking → Active → Closing → Closed
//
// The first frame must be a Handshake frame carrying a ClientHello with the
// target WindowID. A bad hello, an unknown window or a rejected token is
// answered with a failing ServerHello and the connection goes straight to
// Closed. Frames are accepted only while Active.
//
// Each active Conn runs:
//   - readLoop: feeds transport chunks to a protocol.StreamDecoder, answers
//     client Responses to server→client calls, queues events and calls
//   - worker: raises the Connected event, then handles queued events and
//     calls one at a time in arrival order
//   - heartbeat: WebSocket pings (not used for raw TCP)
//
// Calls on different connections run in parallel, including two connections
// of the same window.
//
// # Closing
//
// A Disconnected event follows every Connected one unless the window itself
// was closed.
//
// Closing a window closes its connections. Calls queued or running on them are
// answered with a Cancelled error frame, and server→client calls still waiting
// fail with ErrCancelled. No wait is unbounded: the close waits for the worker
// at most ConnConfig.CloseTimeout.
//
// # Routes
//
//	GET /_bridge/ws               WebSocket endpoint
//	GET /w/{windowID}/            window page (SetPage HTML or RootFS index.html)
//	GET /w/{windowID}/bridge.js   client script bound to the window
//	GET /w/{windowID}/*           RootFS files
//	GET /healthz                  liveness
//
// # Example Usage
//
//	reg := registry.New(logger)
//	srv := server.New(reg, dispatch.New(reg), &server.ServerConfig{Port: 0})
//	id := reg.CreateWindow()
//	reg.Bind(id, "add", add)
//	srv.SetPage(id, "<html>...</html>")
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(srv.URL(id))
package server
