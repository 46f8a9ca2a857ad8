package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// maxLineBytes caps a single framed message. Servers routinely ship
	// large tool results, so this is generous.
	maxLineBytes  = 1 << 20
	eventsBacklog = 100
	shutdownGrace = 3 * time.Second
)

// stdioTransport frames JSON-RPC as newline-delimited JSON over the
// stdin/stdout of a child process. The process is spawned detached from
// any caller context so that a connect deadline expiring cannot kill a
// server that is otherwise working.
type stdioTransport struct {
	cfg    ServerConfig
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *response

	nextID    atomic.Int64
	connected atomic.Bool
	started   atomic.Bool

	events chan *Notification

	readers sync.WaitGroup
	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

func newStdioTransport(cfg ServerConfig, logger *slog.Logger) *stdioTransport {
	return &stdioTransport{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]chan *response),
		events:  make(chan *Notification, eventsBacklog),
		done:    make(chan struct{}),
	}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if t.cfg.WorkDir != "" {
		cmd.Dir = t.cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp %s: stdin pipe: %w", t.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("mcp %s: stdout pipe: %w", t.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("mcp %s: stderr pipe: %w", t.cfg.Name, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("mcp %s: starting %s: %w", t.cfg.Name, t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started.Store(true)
	t.connected.Store(true)

	t.readers.Add(2)
	go t.readLoop(stdout)
	go t.logStderr(stderr)
	go t.reap()

	t.logger.Debug("mcp server started",
		"server", t.cfg.Name,
		"command", t.cfg.Command,
		"pid", cmd.Process.Pid)
	return nil
}

// reap waits for both pipe readers to hit EOF, then collects the child
// exactly once. Closing done is what in-flight calls and the supervisor
// observe; waitErr is safe to read after done fires.
func (t *stdioTransport) reap() {
	t.readers.Wait()
	t.waitErr = t.cmd.Wait()
	t.connected.Store(false)
	close(t.done)
	if t.waitErr != nil {
		t.logger.Debug("mcp server exited", "server", t.cfg.Name, "err", t.waitErr)
	}
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer t.readers.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.processLine(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("mcp stdout read failed", "server", t.cfg.Name, "err", err)
	}
}

func (t *stdioTransport) logStderr(stderr io.Reader) {
	defer t.readers.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			t.logger.Debug("mcp stderr", "server", t.cfg.Name, "line", line)
		}
	}
}

// processLine routes one inbound message. A line the server got wrong is
// logged and skipped; only pipe EOF ends the transport.
func (t *stdioTransport) processLine(line []byte) {
	var env struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		t.logger.Warn("mcp message unparseable", "server", t.cfg.Name, "err", err)
		return
	}

	hasID := len(env.ID) > 0 && string(env.ID) != "null"
	switch {
	case hasID && env.Method == "":
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn("mcp response unparseable", "server", t.cfg.Name, "err", err)
			return
		}
		t.dispatch(&resp)
	case !hasID && env.Method != "":
		var n Notification
		if err := json.Unmarshal(line, &n); err != nil {
			t.logger.Warn("mcp notification unparseable", "server", t.cfg.Name, "err", err)
			return
		}
		select {
		case t.events <- &n:
		default:
			t.logger.Warn("mcp event dropped", "server", t.cfg.Name, "method", n.Method)
		}
	default:
		// Server-initiated request, e.g. sampling. Not supported here.
		t.logger.Warn("mcp server request ignored", "server", t.cfg.Name, "method", env.Method)
	}
}

func (t *stdioTransport) dispatch(resp *response) {
	id, ok := parseID(resp.ID)
	if !ok {
		t.logger.Warn("mcp response has unusable id", "server", t.cfg.Name, "id", string(resp.ID))
		return
	}
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if !ok {
		// Late reply after a timeout already gave up on this id.
		t.logger.Debug("mcp response for unknown id", "server", t.cfg.Name, "id", id)
		return
	}
	ch <- resp
}

func parseID(raw json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp %s: transport not connected", t.cfg.Name)
	}

	id := t.nextID.Add(1)
	ch := make(chan *response, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	cleanup := func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}

	if err := t.write(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		cleanup()
		return nil, fmt.Errorf("mcp %s: write %s: %w", t.cfg.Name, method, err)
	}

	timer := time.NewTimer(t.cfg.callTimeout())
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp %s: %s: %w", t.cfg.Name, method, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("mcp %s: %s timed out after %s", t.cfg.Name, method, t.cfg.callTimeout())
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-t.done:
		cleanup()
		return nil, fmt.Errorf("mcp %s: transport closed during %s", t.cfg.Name, method)
	}
}

func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
	return t.write(Notification{JSONRPC: "2.0", Method: method, Params: raw})
}

func (t *stdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(data)
	return err
}

func (t *stdioTransport) Events() <-chan *Notification { return t.events }
func (t *stdioTransport) Done() <-chan struct{}        { return t.done }
func (t *stdioTransport) Connected() bool              { return t.connected.Load() }

// Close shuts the server down politely: close stdin so it sees EOF, wait,
// escalate to SIGTERM, wait again, then SIGKILL. Safe to call more than
// once and while calls are in flight.
func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		if !t.started.Load() {
			close(t.done)
			return
		}
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.waitExit(shutdownGrace) {
			return
		}
		t.cmd.Process.Signal(syscall.SIGTERM)
		if t.waitExit(shutdownGrace) {
			return
		}
		t.logger.Warn("mcp server ignored SIGTERM, killing", "server", t.cfg.Name)
		t.cmd.Process.Kill()
		<-t.done
	})
	return nil
}

func (t *stdioTransport) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}
