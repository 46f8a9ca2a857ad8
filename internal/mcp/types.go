// Package mcp manages external tool servers speaking the Model Context
// Protocol. Each configured server runs as a supervised subprocess (or a
// remote SSE endpoint) whose tools are bridged into the shared tool
// registry under a qualified "server__tool" name.
package mcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TransportType selects how a server is reached.
type TransportType string

const (
	// TransportStdio spawns the server as a child process and frames
	// JSON-RPC messages as newline-delimited JSON on its pipes.
	TransportStdio TransportType = "stdio"
	// TransportSSE posts JSON-RPC over HTTP and listens for
	// notifications on a server-sent-events stream.
	TransportSSE TransportType = "sse"
)

const (
	// protocolVersion is the MCP revision this client negotiates.
	protocolVersion = "2024-11-05"

	clientName    = "owlia"
	clientVersion = "0.1.0"
)

// Health describes where a server sits in its supervision lifecycle.
type Health string

const (
	// HealthUnknown covers a server that has not connected yet, or one
	// whose restart budget is exhausted.
	HealthUnknown Health = "unknown"
	// HealthHealthy means the handshake completed and the transport is up.
	HealthHealthy Health = "healthy"
	// HealthUnhealthy means the transport died and a restart is pending.
	HealthUnhealthy Health = "unhealthy"
)

// ServerConfig is the resolved launch description for one MCP server.
// Defaults are merged in by the configuration layer before it reaches
// this package.
type ServerConfig struct {
	Name      string
	Transport TransportType

	// Stdio transport.
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	// SSE transport.
	URL     string
	Headers map[string]string

	// Timeout bounds a single tools/call round trip.
	Timeout time.Duration
	// ConnectTimeout bounds spawn, handshake and the initial tools/list.
	ConnectTimeout time.Duration

	// Crash supervision.
	RestartOnCrash    bool
	MaxRestarts       int
	RestartDelay      time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Validate rejects configurations that cannot produce a working transport,
// including argument values that smell like shell injection. Commands are
// executed directly, never through a shell, but metacharacters in an
// argument are almost always a config mistake.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %s: command is required for stdio transport", c.Name)
		}
		if containsShellMetachars(c.Command) {
			return fmt.Errorf("server %s: command contains shell metacharacters", c.Name)
		}
		for i, arg := range c.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("server %s: arg[%d] contains shell metacharacters", c.Name, i)
			}
		}
	case TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("server %s: url is required for sse transport", c.Name)
		}
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("server %s: invalid url: %w", c.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server %s: url scheme must be http or https", c.Name)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", c.Name, c.Transport)
	}
	if c.Timeout < 0 || c.ConnectTimeout < 0 {
		return fmt.Errorf("server %s: timeouts must not be negative", c.Name)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, "|&;<>`$(){}")
}

func (c *ServerConfig) callTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c *ServerConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 15 * time.Second
}

// JSON-RPC 2.0 framing.

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string `json:"jsonrpc"`
	// ID is kept raw because servers disagree on number formatting.
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Notification is a server-initiated JSON-RPC message without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Handshake payloads.

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

// ServerInfo identifies the remote implementation, as reported during
// the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// Tool is a tool advertised by a server via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []*Tool `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolContent is one block of a tool call result.
type ToolContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolCallResult is the payload returned by tools/call.
type ToolCallResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}
