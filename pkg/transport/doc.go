// Package transport provides the listeners that carry protocol messages
// between clients and the server's message processor.
//
// Both listeners implement server.Listener and are built by the server when
// it starts, through a server.ListenerFactory:
//
//	srv := server.New(cfg, server.WithListener(transport.HTTPListenerFactory()))
//
// # HTTP
//
// HTTPListener serves JSON-RPC over HTTP POST:
//
//   - POST /mcp: one JSON-RPC message per request body (at most 1 MiB by default).
//     An initialize request opens a session; its ID comes back in the
//     Mcp-Session-Id header and must accompany later requests. Requests
//     without a session run on a connection that lives for that request only.
//     Notifications are answered with 202 Accepted and no body.
//   - DELETE /mcp: closes the session named by Mcp-Session-Id
//   - GET /healthz: liveness and session counts
//   - POST /auth/token: exchanges a username and password for a token when
//     the authentication provider issues tokens
//
// Credentials travel out of band in the Authorization header (Bearer scheme)
// or the X-API-Key header and are re-authenticated whenever they change.
// Browser requests are checked against the allowed origins; requests without
// an Origin header are accepted. TLS is enabled through the server
// configuration.
//
// # Stdio
//
// StdioListener reads newline-delimited JSON messages from standard input
// and writes one response line per request to standard output. The whole
// stream is a single connection.
//
// Both listeners process the messages of a connection one at a time through
// Connection.Serialize.
package transport
