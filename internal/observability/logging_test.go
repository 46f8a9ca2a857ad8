package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Error("info record should have been filtered at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record should have been logged")
	}
}

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("resolved key", "detail", "api_key=sk1234567890abcdef1234")

	out := buf.String()
	if strings.Contains(out, "sk1234567890abcdef1234") {
		t.Errorf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestNewLogger_RedactsMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("got token eyJhbGciOi.eyJzdWIiOi.sig-part")

	if strings.Contains(buf.String(), "eyJzdWIiOi") {
		t.Errorf("JWT leaked into log output: %s", buf.String())
	}
}

func TestNewLogger_ContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddSessionID(ctx, "sess-456")
	logger.InfoContext(ctx, "processing")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", record["request_id"])
	}
	if record["session_id"] != "sess-456" {
		t.Errorf("session_id = %v, want sess-456", record["session_id"])
	}
}

func TestNewLogger_WithComponentCarriesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.With("component", "gateway").Info("listening")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["component"] != "gateway" {
		t.Errorf("component = %v, want gateway", record["component"])
	}
}

func TestGetRequestID(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want empty", got)
	}
	ctx := AddRequestID(context.Background(), "req-9")
	if got := GetRequestID(ctx); got != "req-9" {
		t.Errorf("GetRequestID = %q, want req-9", got)
	}
}
