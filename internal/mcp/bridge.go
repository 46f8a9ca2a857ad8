package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/owliabot/owlia/internal/tools"
)

// maxBridgedNameLen caps qualified names so provider APIs with strict
// tool-name limits still accept them.
const maxBridgedNameLen = 64

// bridgeTool adapts one remote MCP tool to the registry's Tool contract.
type bridgeTool struct {
	client   *Client
	server   string
	tool     *Tool
	name     string
	security tools.Security
}

func (b *bridgeTool) Name() string { return b.name }

func (b *bridgeTool) Description() string {
	desc := b.tool.Description
	if desc == "" {
		desc = "no description"
	}
	return fmt.Sprintf("[%s] %s", b.server, desc)
}

func (b *bridgeTool) Schema() json.RawMessage {
	if len(b.tool.InputSchema) > 0 {
		return b.tool.InputSchema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (b *bridgeTool) Security() tools.Security { return b.security }

func (b *bridgeTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	res, err := b.client.CallTool(ctx, b.tool.Name, params)
	if err != nil {
		return nil, err
	}
	content := formatToolCallResult(res)
	return &tools.Result{Content: content, IsError: res.IsError}, nil
}

// formatToolCallResult flattens a result's content blocks. All-text
// results are joined verbatim; anything richer is marshalled so the
// model still sees the structure.
func formatToolCallResult(res *ToolCallResult) string {
	if res == nil || len(res.Content) == 0 {
		return ""
	}
	allText := true
	for _, c := range res.Content {
		if c.Type != "text" {
			allText = false
			break
		}
	}
	if allText {
		parts := make([]string, 0, len(res.Content))
		for _, c := range res.Content {
			parts = append(parts, c.Text)
		}
		return strings.Join(parts, "\n")
	}
	data, err := json.Marshal(res.Content)
	if err != nil {
		return fmt.Sprintf("unrenderable tool result: %v", err)
	}
	return string(data)
}

// qualifiedToolName builds the registry name "server__tool". Both parts
// are sanitized; overlong names keep a hash suffix so they stay unique.
func qualifiedToolName(server, tool string) string {
	name := sanitizeNamePart(server) + "__" + sanitizeNamePart(tool)
	return truncateWithHash(name)
}

// sanitizeNamePart lowercases and squeezes every run of characters
// outside [a-z0-9_-] into a single underscore.
func sanitizeNamePart(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
		if ok {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		} else {
			pendingSep = true
		}
	}
	out := b.String()
	if out == "" {
		return "x"
	}
	return out
}

func truncateWithHash(name string) string {
	if len(name) <= maxBridgedNameLen {
		return name
	}
	sum := sha1.Sum([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return name[:maxBridgedNameLen-len(suffix)] + suffix
}

// dedupeWithHash resolves a collision between two tools whose sanitized
// names ended up identical.
func dedupeWithHash(name, original string, used map[string]struct{}) string {
	if _, clash := used[name]; !clash {
		return name
	}
	sum := sha1.Sum([]byte(original))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	base := name
	if len(base)+len(suffix) > maxBridgedNameLen {
		base = base[:maxBridgedNameLen-len(suffix)]
	}
	return base + suffix
}
