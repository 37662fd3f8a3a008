package mcp

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRequestTimeout bounds a single JSON-RPC exchange.
const DefaultRequestTimeout = 30 * time.Second

// Transport is the interface for MCP server communication.
// Implementations handle the details of sending JSON-RPC requests and
// receiving responses over a specific transport (stdio or HTTP).
type Transport interface {
	// Start establishes the connection: spawns the subprocess for stdio,
	// probes reachability for HTTP.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC request and returns the response.
	// The transport handles framing, encoding, and correlation.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Alive reports whether the connection is still usable. For stdio
	// this is a non-blocking check on the subprocess.
	Alive() bool

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess. Closing an
	// already closed transport is a no-op.
	Close() error
}

// levelTrace matches config.LevelTrace; wire payloads are logged at it.
const levelTrace = slog.Level(-8)
