// Package mcp implements the MCP (Model Context Protocol) client side of
// toolbridge: transports, the per-server client facade, and the Manager
// that owns every live server connection.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (a child process
// speaking newline-delimited JSON on stdin/stdout) and HTTP (one JSON-RPC
// body per POST, with optional SSE-framed replies). A Client performs the
// initialize handshake, caches the tools and resources the server
// advertises, and exposes tools/call.
//
// The Manager keys clients by server name, persists server configuration
// and a tool call log through a Store, guards each server with a circuit
// breaker, and routes agent tool calls named mcp__<server>__<tool>.
//
// toolbridge is a client/host only; it never acts as an MCP server.
package mcp
