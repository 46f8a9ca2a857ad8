package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Transport moves JSON-RPC messages to and from one MCP server. A
// transport is single-use: once Done fires it never reconnects, the
// client builds a fresh one instead.
type Transport interface {
	// Connect establishes the connection. For stdio this spawns the
	// child process; for sse it verifies the endpoint is reachable.
	Connect(ctx context.Context) error

	// Close tears the connection down and releases the process. It is
	// idempotent and safe to call concurrently with in-flight calls,
	// which fail with a transport-closed error.
	Close() error

	// Call performs a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification.
	Notify(ctx context.Context, method string, params any) error

	// Events delivers server-initiated notifications. Slow consumers
	// lose events rather than blocking the reader.
	Events() <-chan *Notification

	// Done is closed when the transport is irrecoverably down, whether
	// by Close or because the server process exited on its own.
	Done() <-chan struct{}

	// Connected reports whether the transport is currently usable.
	Connected() bool
}

// NewTransport builds the transport named by the config.
func NewTransport(cfg ServerConfig, logger *slog.Logger) Transport {
	switch cfg.Transport {
	case TransportSSE:
		return newSSETransport(cfg, logger)
	default:
		return newStdioTransport(cfg, logger)
	}
}
