package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewTransportSelectsByType(t *testing.T) {
	tr := NewTransport(ServerConfig{Name: "a", Transport: TransportStdio, Command: "echo"}, testLogger())
	if _, ok := tr.(*stdioTransport); !ok {
		t.Errorf("stdio config: got %T", tr)
	}

	tr = NewTransport(ServerConfig{Name: "b", Transport: TransportSSE, URL: "https://example.com"}, testLogger())
	if _, ok := tr.(*sseTransport); !ok {
		t.Errorf("sse config: got %T", tr)
	}

	// Unset transport defaults to stdio.
	tr = NewTransport(ServerConfig{Name: "c", Command: "echo"}, testLogger())
	if _, ok := tr.(*stdioTransport); !ok {
		t.Errorf("default config: got %T", tr)
	}
}

func TestStdioNotConnectedErrors(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "t", Command: "echo"}, testLogger())

	if tr.Connected() {
		t.Error("Connected before Connect")
	}
	if _, err := tr.Call(context.Background(), "ping", nil); err == nil {
		t.Error("Call before Connect should fail")
	}
	if err := tr.Notify(context.Background(), "ping", nil); err == nil {
		t.Error("Notify before Connect should fail")
	}
}

func TestStdioCloseBeforeConnect(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "t", Command: "echo"}, testLogger())
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-tr.Done():
	default:
		t.Error("Done should fire after Close")
	}
	// Second Close is a no-op.
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStdioProcessLineResponse(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "t", Command: "echo"}, testLogger())
	ch := make(chan *response, 1)
	tr.pendingMu.Lock()
	tr.pending[7] = ch
	tr.pendingMu.Unlock()

	tr.processLine([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))

	select {
	case resp := <-ch:
		if resp.Error != nil {
			t.Fatalf("unexpected rpc error: %v", resp.Error)
		}
		var payload struct {
			OK bool `json:"ok"`
		}
		if err := json.Unmarshal(resp.Result, &payload); err != nil || !payload.OK {
			t.Fatalf("bad result %s: %v", resp.Result, err)
		}
	default:
		t.Fatal("response not dispatched")
	}

	tr.pendingMu.Lock()
	left := len(tr.pending)
	tr.pendingMu.Unlock()
	if left != 0 {
		t.Errorf("pending entry not removed, %d left", left)
	}
}

func TestStdioProcessLineErrorResponse(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "t", Command: "echo"}, testLogger())
	ch := make(chan *response, 1)
	tr.pendingMu.Lock()
	tr.pending[3] = ch
	tr.pendingMu.Unlock()

	tr.processLine([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"method not found"}}`))

	resp := <-ch
	if resp.Error == nil {
		t.Fatal("expected rpc error")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("code: got %d", resp.Error.Code)
	}
}

func TestStdioProcessLineFractionalID(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "t", Command: "echo"}, testLogger())
	ch := make(chan *response, 1)
	tr.pendingMu.Lock()
	tr.pending[2] = ch
	tr.pendingMu.Unlock()

	// Some servers re-encode integer ids as floats.
	tr.processLine([]byte(`{"jsonrpc":"2.0","id":2.0,"result":{}}`))

	select {
	case <-ch:
	default:
		t.Fatal("float id response not dispatched")
	}
}

func TestStdioProcessLineNotification(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "t", Command: "echo"}, testLogger())

	tr.processLine([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))

	select {
	case n := <-tr.Events():
		if n.Method != "notifications/tools/list_changed" {
			t.Errorf("method: got %q", n.Method)
		}
	default:
		t.Fatal("notification not delivered")
	}
}

func TestStdioProcessLineGarbage(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "t", Command: "echo"}, testLogger())

	// None of these should panic or deliver anything.
	tr.processLine([]byte(`not json at all`))
	tr.processLine([]byte(`{"jsonrpc":"2.0"}`))
	tr.processLine([]byte(`{"jsonrpc":"2.0","id":"weird","result":{}}`))
	// A server-initiated request (id and method) is unsupported.
	tr.processLine([]byte(`{"jsonrpc":"2.0","id":1,"method":"sampling/createMessage"}`))

	select {
	case n := <-tr.Events():
		t.Fatalf("unexpected event %q", n.Method)
	default:
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{`7`, 7, true},
		{`7.0`, 7, true},
		{`0`, 0, true},
		{`"abc"`, 0, false},
		{`null`, 0, false},
		{`{}`, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseID(json.RawMessage(tt.raw))
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseID(%s) = (%d, %v), want (%d, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStdioRealProcessLifecycle(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "cat", Command: "cat"}, testLogger())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !tr.Connected() {
		t.Fatal("not connected after Connect")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not fire after Close")
	}
	if tr.Connected() {
		t.Error("still connected after Close")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStdioProcessExitClosesDone(t *testing.T) {
	tr := newStdioTransport(ServerConfig{Name: "cat", Command: "cat"}, testLogger())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	// EOF on stdin makes cat exit on its own; the transport must notice.
	tr.stdin.Close()

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not fire after process exit")
	}
	if tr.Connected() {
		t.Error("still connected after process exit")
	}
	if _, err := tr.Call(context.Background(), "ping", nil); err == nil {
		t.Error("Call after exit should fail")
	}
}

func TestStdioCallTimeout(t *testing.T) {
	// cat never answers with a valid response, so the call times out.
	tr := newStdioTransport(ServerConfig{
		Name:    "cat",
		Command: "cat",
		Timeout: 100 * time.Millisecond,
	}, testLogger())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	start := time.Now()
	_, err := tr.Call(context.Background(), "ping", map[string]any{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}

	tr.pendingMu.Lock()
	left := len(tr.pending)
	tr.pendingMu.Unlock()
	if left != 0 {
		t.Errorf("pending entry leaked after timeout, %d left", left)
	}
}
