// Package streaminghttp exposes the gateway's protocol endpoint over HTTP.
//
// A single path accepts three verbs. POST carries JSON-RPC messages: the
// handshake mints a session and returns its id in the Mcp-Session-Id
// header, and every later request presents that header to be routed into
// the session's transport. When the transport lives on another process,
// the handler rebuilds it from the session metadata store under the same
// id. GET opens a heartbeat SSE stream, and DELETE tears the session down.
//
// Responses are delivered as plain JSON bodies, or as a single SSE event
// when the client's Accept header asks for text/event-stream.
package streaminghttp
