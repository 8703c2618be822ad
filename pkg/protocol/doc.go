// Package protocol defines the wire types of the tool server.
//
// Messages are JSON-RPC 2.0 envelopes. A request carries a method name, an
// opaque id and optional object params; the response echoes the id and
// carries either a result or an error object, never both.
//
// # Package Organization
//
//   - jsonrpc.go: the request/response envelope and the standard error codes
//   - mcp.go: method names, protocol revisions and the initialize handshake types
//   - tools.go: the Tool descriptor and the tools/list and tools/call payloads
//   - content.go: the Content union returned from tool calls
//
// # Tools
//
// A Tool is a named callable with a JSON Schema describing its arguments. The
// schema must be an object schema:
//
//	tool, err := protocol.NewTool("echo", "Echo a message", json.RawMessage(`{
//		"type": "object",
//		"properties": {"message": {"type": "string"}},
//		"required": ["message"]
//	}`))
//
// Tool results are lists of Content items:
//
//	result := protocol.NewToolResult(protocol.TextContent("hi"))
package protocol
