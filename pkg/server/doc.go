// Package server implements the protocol core of the tool server.
//
// The package provides two components:
//
//   - Processor: validates JSON-RPC messages, enforces the authentication gate
//     and the initialize handshake, dispatches to built-in methods, custom
//     MethodHandlers or the tool registry, and encodes the response
//   - Server: the composition root that owns the configuration, the tool
//     registry, the connection handler and the processor, and drives the
//     STOPPED, STARTING, RUNNING, STOPPING lifecycle
//
// # Built-in Methods
//
//   - initialize: negotiates the protocol version and marks the connection initialized
//   - notifications/initialized: acknowledges the client, never answered
//   - ping: liveness check, exempt from authentication by default
//   - tools/list: lists the aggregated catalog, optionally paged
//   - tools/call: executes a tool through the registry under the request deadline
//
// # Creating a Server
//
//	cfg := config.Default()
//
//	echo := tools.NewStaticProvider("demo")
//	_ = echo.AddTool(protocol.MustTool("echo", "Echoes its input", schema), handler)
//
//	srv := server.New(cfg,
//	    server.WithToolProvider(echo),
//	    server.WithListener(transport.HTTPListenerFactory()),
//	)
//	if !srv.Start(ctx) {
//	    // start failed; details were logged
//	}
//	defer srv.Stop(ctx)
//
// Transports hand every inbound message to Processor.ProcessMessage inside
// Connection.Serialize so that messages of one connection are processed in
// arrival order.
package server
