package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const sseReconnectDelay = 5 * time.Second

// sseTransport reaches a remote MCP server over HTTP: requests are
// POSTed as JSON-RPC and notifications arrive on a server-sent-events
// stream at <url>/sse. There is no process to supervise, so Done only
// fires on Close; a dead endpoint surfaces as failing calls.
type sseTransport struct {
	cfg    ServerConfig
	logger *slog.Logger
	client *http.Client

	nextID    atomic.Int64
	connected atomic.Bool

	events chan *Notification
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	cancel    context.CancelFunc
}

func newSSETransport(cfg ServerConfig, logger *slog.Logger) *sseTransport {
	return &sseTransport{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: cfg.callTimeout()},
		events: make(chan *Notification, eventsBacklog),
		done:   make(chan struct{}),
	}
}

func (t *sseTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The initialize call performed by the client is the real
	// reachability probe; here we only start the event stream.
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.connected.Store(true)
	t.wg.Add(1)
	go t.sseLoop(streamCtx)
	t.logger.Debug("mcp sse transport ready", "server", t.cfg.Name, "url", t.cfg.URL)
	return nil
}

func (t *sseTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp %s: transport not connected", t.cfg.Name)
	}
	req := request{JSONRPC: "2.0", ID: t.nextID.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %s: %w", t.cfg.Name, method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("mcp %s: %s: http %d: %s", t.cfg.Name, method, httpResp.StatusCode, strings.TrimSpace(string(b)))
	}

	var resp response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("mcp %s: decode %s response: %w", t.cfg.Name, method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp %s: %s: %w", t.cfg.Name, method, resp.Error)
	}
	return resp.Result, nil
}

func (t *sseTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("mcp %s: transport not connected", t.cfg.Name)
	}
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	body, err := json.Marshal(Notification{JSONRPC: "2.0", Method: method, Params: raw})
	if err != nil {
		return err
	}
	httpResp, err := t.post(ctx, body)
	if err != nil {
		return fmt.Errorf("mcp %s: notify %s: %w", t.cfg.Name, method, err)
	}
	httpResp.Body.Close()
	return nil
}

func (t *sseTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	return t.client.Do(httpReq)
}

func (t *sseTransport) Events() <-chan *Notification { return t.events }
func (t *sseTransport) Done() <-chan struct{}        { return t.done }
func (t *sseTransport) Connected() bool              { return t.connected.Load() }

func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
		close(t.done)
	})
	return nil
}

// sseLoop keeps one event stream open, reconnecting until Close.
func (t *sseTransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()
	sseURL := strings.TrimSuffix(t.cfg.URL, "/") + "/sse"
	for {
		if ctx.Err() != nil {
			return
		}
		t.streamEvents(ctx, sseURL)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sseReconnectDelay):
		}
	}
}

func (t *sseTransport) streamEvents(ctx context.Context, sseURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		t.logger.Debug("mcp sse request failed", "server", t.cfg.Name, "err", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	// The stream outlives the client's per-call timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		t.logger.Debug("mcp sse connect failed", "server", t.cfg.Name, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("mcp sse returned non-200", "server", t.cfg.Name, "status", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var n Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil || n.Method == "" {
			continue
		}
		select {
		case t.events <- &n:
		default:
			t.logger.Warn("mcp event dropped", "server", t.cfg.Name, "method", n.Method)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.logger.Debug("mcp sse stream ended", "server", t.cfg.Name, "err", err)
	}
}
