package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client owns the connection to one MCP server: handshake, tool cache,
// crash supervision with exponential backoff, and restart accounting.
type Client struct {
	cfg    ServerConfig
	logger *slog.Logger

	newTransport func(ServerConfig, *slog.Logger) Transport

	mu         sync.RWMutex
	transport  Transport
	tools      []*Tool
	serverInfo ServerInfo
	health     Health
	restarts   int

	onToolsChanged func([]*Tool)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(cfg ServerConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:          cfg,
		logger:       logger.With("server", cfg.Name),
		newTransport: NewTransport,
		health:       HealthUnknown,
		closed:       make(chan struct{}),
	}
}

// OnToolsChanged registers the callback fired with the current tool list
// after every successful connect, reconnect and list_changed refresh.
// Set it before Connect.
func (c *Client) OnToolsChanged(fn func([]*Tool)) {
	c.onToolsChanged = fn
}

// Connect spawns the transport and completes the MCP handshake, including
// the initial tools/list, within the configured connect timeout. On
// success a supervisor goroutine watches for crashes and tool changes.
func (c *Client) Connect(ctx context.Context) error {
	tr, info, tools, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.transport = tr
	c.serverInfo = info
	c.tools = tools
	c.health = HealthHealthy
	c.mu.Unlock()

	c.logger.Info("mcp server connected",
		"name", info.Name,
		"version", info.Version,
		"tools", len(tools))
	c.fireToolsChanged()

	c.wg.Add(1)
	go c.supervise(tr)
	return nil
}

func (c *Client) dial(ctx context.Context) (Transport, ServerInfo, []*Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout())
	defer cancel()

	tr := c.newTransport(c.cfg, c.logger)
	if err := tr.Connect(ctx); err != nil {
		return nil, ServerInfo{}, nil, fmt.Errorf("mcp %s: connect: %w", c.cfg.Name, err)
	}

	info, tools, err := c.handshake(ctx, tr)
	if err != nil {
		tr.Close()
		return nil, ServerInfo{}, nil, err
	}
	return tr, info, tools, nil
}

func (c *Client) handshake(ctx context.Context, tr Transport) (ServerInfo, []*Tool, error) {
	raw, err := tr.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		return ServerInfo{}, nil, fmt.Errorf("mcp %s: initialize: %w", c.cfg.Name, err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("mcp %s: parse initialize result: %w", c.cfg.Name, err)
	}

	if err := tr.Notify(ctx, "notifications/initialized", nil); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("mcp %s: initialized notification: %w", c.cfg.Name, err)
	}

	tools, err := c.listTools(ctx, tr)
	if err != nil {
		return ServerInfo{}, nil, err
	}
	return init.ServerInfo, tools, nil
}

func (c *Client) listTools(ctx context.Context, tr Transport) ([]*Tool, error) {
	raw, err := tr.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: tools/list: %w", c.cfg.Name, err)
	}
	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("mcp %s: parse tools/list result: %w", c.cfg.Name, err)
	}
	return res.Tools, nil
}

// supervise watches one transport until it dies, then drives the restart
// loop. It follows the client across reconnects and exits on Close or
// when the restart budget is spent.
func (c *Client) supervise(tr Transport) {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case n := <-tr.Events():
			if n != nil && n.Method == "notifications/tools/list_changed" {
				c.refreshTools(tr)
			}
		case <-tr.Done():
			select {
			case <-c.closed:
				return
			default:
			}
			c.setHealth(HealthUnhealthy)
			if !c.cfg.RestartOnCrash {
				c.logger.Error("mcp server exited, restart disabled")
				c.setHealth(HealthUnknown)
				return
			}
			next, ok := c.reconnect()
			if !ok {
				return
			}
			tr = next
		}
	}
}

func (c *Client) reconnect() (Transport, bool) {
	for attempt := 0; attempt < c.cfg.MaxRestarts; attempt++ {
		delay := backoffDelay(c.cfg, attempt)
		c.logger.Warn("mcp server down, restarting",
			"attempt", attempt+1,
			"max", c.cfg.MaxRestarts,
			"delay", delay)
		select {
		case <-c.closed:
			return nil, false
		case <-time.After(delay):
		}

		tr, info, tools, err := c.dial(context.Background())
		if err != nil {
			c.logger.Warn("mcp restart failed", "attempt", attempt+1, "err", err)
			continue
		}

		// Close raced the reconnect; do not leak the fresh process.
		select {
		case <-c.closed:
			tr.Close()
			return nil, false
		default:
		}

		c.mu.Lock()
		c.transport = tr
		c.serverInfo = info
		c.tools = tools
		c.health = HealthHealthy
		c.restarts++
		c.mu.Unlock()

		c.logger.Info("mcp server recovered", "attempt", attempt+1, "tools", len(tools))
		c.fireToolsChanged()
		return tr, true
	}

	c.setHealth(HealthUnknown)
	c.logger.Error("mcp server restart budget exhausted", "restarts", c.cfg.MaxRestarts)
	return nil, false
}

// backoffDelay is restartDelay scaled by multiplier^attempt, capped at
// maxBackoff. Attempt counts from zero, so the first retry waits the
// base delay.
func backoffDelay(cfg ServerConfig, attempt int) time.Duration {
	base := cfg.RestartDelay
	if base <= 0 {
		base = time.Second
	}
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	maxDelay := cfg.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= mult
	}
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}

func (c *Client) refreshTools(tr Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.callTimeout())
	defer cancel()
	tools, err := c.listTools(ctx, tr)
	if err != nil {
		c.logger.Warn("mcp tool refresh failed", "err", err)
		return
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	c.logger.Info("mcp tool list changed", "tools", len(tools))
	c.fireToolsChanged()
}

func (c *Client) fireToolsChanged() {
	if c.onToolsChanged == nil {
		return
	}
	c.onToolsChanged(c.Tools())
}

// CallTool invokes a tool by its server-local name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error) {
	c.mu.RLock()
	tr := c.transport
	c.mu.RUnlock()
	if tr == nil || !tr.Connected() {
		return nil, fmt.Errorf("mcp %s: not connected", c.cfg.Name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := tr.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var res ToolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("mcp %s: parse tools/call result: %w", c.cfg.Name, err)
	}
	return &res, nil
}

// ListTools re-queries the server and updates the cached list.
func (c *Client) ListTools(ctx context.Context) ([]*Tool, error) {
	c.mu.RLock()
	tr := c.transport
	c.mu.RUnlock()
	if tr == nil || !tr.Connected() {
		return nil, fmt.Errorf("mcp %s: not connected", c.cfg.Name)
	}
	tools, err := c.listTools(ctx, tr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return c.Tools(), nil
}

// Tools returns the cached tool list from the last connect or refresh.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Restarts reports how many times the server has been successfully
// restarted after a crash.
func (c *Client) Restarts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.restarts
}

func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *Client) setHealth(h Health) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

// Close disconnects and stops supervision. In-flight calls fail with a
// transport-closed error. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		tr := c.transport
		c.health = HealthUnknown
		c.mu.Unlock()
		if tr != nil {
			tr.Close()
		}
		c.wg.Wait()
	})
	return nil
}
