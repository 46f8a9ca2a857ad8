package mcp

import (
	"strings"
	"testing"
)

func TestQualifiedToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"github", "create_issue", "github__create_issue"},
		{"My Server", "Read File!", "my_server__read_file"},
		{"fs", "list-dir", "fs__list-dir"},
		{"weird///name", "tool", "weird_name__tool"},
		{"", "tool", "x__tool"},
	}
	for _, tt := range tests {
		if got := qualifiedToolName(tt.server, tt.tool); got != tt.want {
			t.Errorf("qualifiedToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestQualifiedToolNameTruncation(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := qualifiedToolName("server", long)
	if len(got) > maxBridgedNameLen {
		t.Fatalf("name too long: %d chars", len(got))
	}
	if !strings.HasPrefix(got, "server__aaa") {
		t.Errorf("lost prefix: %q", got)
	}
	// Two distinct long names must not collapse into one.
	other := qualifiedToolName("server", strings.Repeat("a", 99)+"b")
	if got == other {
		t.Error("distinct long names collided")
	}
}

func TestDedupeWithHash(t *testing.T) {
	used := map[string]struct{}{}

	first := qualifiedToolName("srv", "my.tool")
	first = dedupeWithHash(first, "srv__my.tool", used)
	used[first] = struct{}{}

	second := qualifiedToolName("srv", "my_tool")
	second = dedupeWithHash(second, "srv__my_tool", used)

	if first != "srv__my_tool" {
		t.Errorf("first: got %q", first)
	}
	if second == first {
		t.Error("collision not resolved")
	}
	if !strings.HasPrefix(second, "srv__my_tool_") {
		t.Errorf("second lost its stem: %q", second)
	}
	if len(second) > maxBridgedNameLen {
		t.Errorf("deduped name too long: %d", len(second))
	}
}

func TestFormatToolCallResult(t *testing.T) {
	tests := []struct {
		name string
		res  *ToolCallResult
		want string
	}{
		{
			name: "nil",
			res:  nil,
			want: "",
		},
		{
			name: "empty",
			res:  &ToolCallResult{},
			want: "",
		},
		{
			name: "single text",
			res:  &ToolCallResult{Content: []ToolContent{{Type: "text", Text: "hello"}}},
			want: "hello",
		},
		{
			name: "joined text",
			res: &ToolCallResult{Content: []ToolContent{
				{Type: "text", Text: "line one"},
				{Type: "text", Text: "line two"},
			}},
			want: "line one\nline two",
		},
		{
			name: "mixed content marshalled",
			res: &ToolCallResult{Content: []ToolContent{
				{Type: "text", Text: "caption"},
				{Type: "image", Data: "aGk=", MimeType: "image/png"},
			}},
			want: `[{"type":"text","text":"caption"},{"type":"image","data":"aGk=","mimeType":"image/png"}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatToolCallResult(tt.res); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBridgeToolSurface(t *testing.T) {
	bt := &bridgeTool{
		server: "github",
		tool:   &Tool{Name: "create_issue", Description: "Open an issue"},
		name:   "github__create_issue",
	}
	if bt.Name() != "github__create_issue" {
		t.Errorf("name: %q", bt.Name())
	}
	if got := bt.Description(); !strings.Contains(got, "github") || !strings.Contains(got, "Open an issue") {
		t.Errorf("description: %q", got)
	}
	if got := string(bt.Schema()); got != `{"type":"object"}` {
		t.Errorf("empty schema fallback: %s", got)
	}

	bt.tool.InputSchema = []byte(`{"type":"object","properties":{"title":{"type":"string"}}}`)
	if got := string(bt.Schema()); !strings.Contains(got, "title") {
		t.Errorf("schema passthrough: %s", got)
	}
}
