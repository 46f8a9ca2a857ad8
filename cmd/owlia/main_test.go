package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/owliabot/owlia/internal/config"
	"github.com/owliabot/owlia/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "devices", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "owlia") || !strings.Contains(out, "commit") {
		t.Errorf("version output = %q", out)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := runCLI(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	if !strings.Contains(out, "$schema") || !strings.Contains(out, "gateway") {
		t.Errorf("schema output missing expected keys: %q", out[:min(len(out), 200)])
	}
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "owlia.yaml")
	cfg := "state_dir: " + dir + "\nllm:\n  providers:\n    anthropic:\n      api_key: test-key\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCLI(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("logging:\n  level: loud\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := runCLI(t, "config", "validate", "--config", bad); err == nil {
		t.Error("expected invalid config to fail")
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path = %q", got)
	}
	if got := resolveConfigPath(defaultConfigName); got != defaultConfigName {
		t.Errorf("default without env = %q", got)
	}
	t.Setenv("OWLIA_CONFIG", "/etc/owlia/env.yaml")
	if got := resolveConfigPath(defaultConfigName); got != "/etc/owlia/env.yaml" {
		t.Errorf("default with env = %q", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path beats env, got %q", got)
	}
}

func TestBuildProviders(t *testing.T) {
	cfg := config.LLMConfig{Providers: map[string]config.LLMProviderConfig{
		"backup":  {Type: "openai", APIKey: "k2", Priority: 2},
		"primary": {Type: "anthropic", APIKey: "k1", Priority: 1},
		"local":   {Type: "cli", Command: "agent", Priority: 3},
	}}

	provs, err := buildProviders(cfg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if len(provs) != 3 {
		t.Fatalf("providers = %d, want 3", len(provs))
	}
	if provs[0].Priority() != 1 || provs[2].IsCLI() != true {
		t.Errorf("provider order wrong: priorities %d,%d,%d",
			provs[0].Priority(), provs[1].Priority(), provs[2].Priority())
	}

	_, err = buildProviders(config.LLMConfig{Providers: map[string]config.LLMProviderConfig{
		"odd": {Type: "mystery"},
	}})
	if err == nil {
		t.Error("expected unknown type to fail")
	}
	if _, err := buildProviders(config.LLMConfig{}); err == nil {
		t.Error("expected empty providers to fail")
	}
}

func TestMaxTokens(t *testing.T) {
	cfg := config.LLMConfig{Providers: map[string]config.LLMProviderConfig{
		"a": {Type: "anthropic", Priority: 1},
		"b": {Type: "openai", Priority: 2, MaxTokens: 2048},
	}}
	if got := maxTokens(cfg); got != 2048 {
		t.Errorf("maxTokens = %d, want 2048", got)
	}
	if got := maxTokens(config.LLMConfig{}); got != 0 {
		t.Errorf("maxTokens empty = %d, want 0", got)
	}
}

func TestMCPServerConfigsMergeDefaults(t *testing.T) {
	restart := false
	cfg := config.MCPConfig{
		Servers: map[string]config.MCPServerConfig{
			"files": {Transport: "stdio", Command: "mcp-files"},
			"slow":  {Transport: "stdio", Command: "mcp-slow", Timeout: time.Minute},
		},
		Defaults: config.MCPDefaults{
			Timeout:        10 * time.Second,
			ConnectTimeout: 5 * time.Second,
			RestartOnCrash: &restart,
			MaxRestarts:    7,
		},
	}

	out := mcpServerConfigs(cfg)
	if len(out) != 2 {
		t.Fatalf("servers = %d, want 2", len(out))
	}
	byName := map[string]int{}
	for i, sc := range out {
		byName[sc.Name] = i
	}
	files := out[byName["files"]]
	if files.Timeout != 10*time.Second || files.ConnectTimeout != 5*time.Second {
		t.Errorf("defaults not merged: %+v", files)
	}
	if files.RestartOnCrash {
		t.Error("restart override not applied")
	}
	if files.MaxRestarts != 7 {
		t.Errorf("max restarts = %d, want 7", files.MaxRestarts)
	}
	if out[byName["slow"]].Timeout != time.Minute {
		t.Error("per-server timeout was clobbered by the default")
	}
}

// fakeGateway serves envelope responses for the admin endpoints and
// records the auth header it saw.
func fakeGateway(t *testing.T, adminToken string) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string

	writeData := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
	}
	writeErr := func(w http.ResponseWriter, status int, code, msg string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]string{"code": code, "message": msg},
		})
	}

	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.Header.Get("X-Gateway-Token") != adminToken {
			writeErr(w, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "unauthorized")
			return
		}
		now := time.Now()
		switch r.URL.Path {
		case "/admin/devices":
			writeData(w, map[string]any{
				"devices": []*models.Device{{
					DeviceID: "laptop",
					Scope:    models.Scope{Tools: models.SecurityWrite},
					PairedAt: now,
				}},
				"pending": []*models.PairingRequest{{
					DeviceID:    "phone",
					RequestedAt: now,
					IP:          "10.0.0.2",
				}},
			})
		case "/admin/approve":
			var req struct {
				DeviceID string       `json:"deviceId"`
				Scope    models.Scope `json:"scope"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			writeData(w, map[string]any{"deviceToken": "owdev_test123", "scope": req.Scope})
		case "/admin/revoke":
			writeData(w, map[string]any{"deviceId": "laptop", "revoked": true})
		case "/admin/rotate":
			writeData(w, map[string]any{"deviceId": "laptop", "deviceToken": "owdev_fresh456"})
		default:
			writeErr(w, http.StatusNotFound, "ERR_NOT_FOUND", "no route")
		}
	}
	mux.HandleFunc("/", handler)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &paths
}

func TestDevicesList(t *testing.T) {
	ts, _ := fakeGateway(t, "secret")

	out, err := runCLI(t, "devices", "list", "--url", ts.URL, "--token", "secret")
	if err != nil {
		t.Fatalf("devices list: %v", err)
	}
	if !strings.Contains(out, "laptop") || !strings.Contains(out, "tools=write") {
		t.Errorf("device line missing: %q", out)
	}
	if !strings.Contains(out, "phone") || !strings.Contains(out, "10.0.0.2") {
		t.Errorf("pending line missing: %q", out)
	}
}

func TestDevicesApprove(t *testing.T) {
	ts, _ := fakeGateway(t, "secret")

	out, err := runCLI(t, "devices", "approve", "laptop",
		"--url", ts.URL, "--token", "secret", "--tools", "write", "--system")
	if err != nil {
		t.Fatalf("devices approve: %v", err)
	}
	if !strings.Contains(out, "owdev_test123") {
		t.Errorf("token not printed: %q", out)
	}
	if !strings.Contains(out, "tools=write") || !strings.Contains(out, "system=true") {
		t.Errorf("scope not echoed: %q", out)
	}
}

func TestDevicesApproveRejectsBadScope(t *testing.T) {
	ts, _ := fakeGateway(t, "secret")

	_, err := runCLI(t, "devices", "approve", "laptop",
		"--url", ts.URL, "--token", "secret", "--tools", "root")
	if err == nil || !strings.Contains(err.Error(), "invalid tools scope") {
		t.Errorf("err = %v, want invalid scope", err)
	}
}

func TestDevicesRevokeAndRotate(t *testing.T) {
	ts, paths := fakeGateway(t, "secret")

	out, err := runCLI(t, "devices", "revoke", "laptop", "--url", ts.URL, "--token", "secret")
	if err != nil {
		t.Fatalf("devices revoke: %v", err)
	}
	if !strings.Contains(out, "revoked") {
		t.Errorf("revoke output = %q", out)
	}

	out, err = runCLI(t, "devices", "rotate", "laptop", "--url", ts.URL, "--token", "secret")
	if err != nil {
		t.Fatalf("devices rotate: %v", err)
	}
	if !strings.Contains(out, "owdev_fresh456") {
		t.Errorf("rotate output = %q", out)
	}

	want := []string{"/admin/revoke", "/admin/rotate"}
	if len(*paths) != len(want) {
		t.Fatalf("paths = %v", *paths)
	}
	for i := range want {
		if (*paths)[i] != want[i] {
			t.Errorf("path[%d] = %q, want %q", i, (*paths)[i], want[i])
		}
	}
}

func TestDevicesSurfaceGatewayError(t *testing.T) {
	ts, _ := fakeGateway(t, "secret")

	_, err := runCLI(t, "devices", "list", "--url", ts.URL, "--token", "wrong")
	if err == nil || !strings.Contains(err.Error(), "ERR_UNAUTHORIZED") {
		t.Errorf("err = %v, want gateway error code", err)
	}
}
