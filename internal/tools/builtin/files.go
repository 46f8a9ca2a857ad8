package builtin

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

// Config controls the filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadBytes int
}

const defaultMaxReadBytes = 200000

// Register adds all built-in tools to the registry.
func Register(r *tools.Registry, cfg Config) {
	r.Register(NewReadTextFileTool(cfg))
	r.Register(NewWriteTextFileTool(cfg))
	r.Register(NewListDirectoryTool(cfg))
	r.Register(&CurrentTimeTool{})
	r.Register(&SystemInfoTool{})
}

// ReadTextFileTool reads a file from the workspace.
type ReadTextFileTool struct {
	resolver   Resolver
	maxReadLen int
}

// NewReadTextFileTool creates a read tool scoped to the workspace.
func NewReadTextFileTool(cfg Config) *ReadTextFileTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &ReadTextFileTool{
		resolver:   Resolver{Root: cfg.Workspace},
		maxReadLen: limit,
	}
}

func (t *ReadTextFileTool) Name() string { return "read_text_file" }

func (t *ReadTextFileTool) Description() string {
	return "Read a text file from the workspace with optional offset and byte limit."
}

func (t *ReadTextFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "Byte offset to start reading from (default: 0).",
				"minimum":     0,
			},
			"max_bytes": map[string]any{
				"type":        "integer",
				"description": "Maximum bytes to read (capped by tool default).",
				"minimum":     0,
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	})
}

func (t *ReadTextFileTool) Security() tools.Security {
	return tools.Security{Level: models.SecurityRead}
}

func (t *ReadTextFileTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.Errorf("Invalid parameters: %v", err), nil
	}

	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return tools.Errorf("open: %v", err), nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return tools.Errorf("stat: %v", err), nil
	}
	if info.IsDir() {
		return tools.ErrorResult("path is a directory; use list_directory"), nil
	}

	if input.Offset > 0 {
		if _, err := f.Seek(input.Offset, io.SeekStart); err != nil {
			return tools.Errorf("seek: %v", err), nil
		}
	}

	limit := t.maxReadLen
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return tools.Errorf("read: %v", err), nil
	}
	truncated := false
	if len(data) > limit {
		data = data[:limit]
		truncated = true
	}

	result := &tools.Result{Content: string(data)}
	if truncated {
		result.Data = map[string]any{"truncated": true, "size": info.Size()}
	}
	return result, nil
}

// WriteTextFileTool writes a file inside the workspace.
type WriteTextFileTool struct {
	resolver Resolver
}

// NewWriteTextFileTool creates a write tool scoped to the workspace.
func NewWriteTextFileTool(cfg Config) *WriteTextFileTool {
	return &WriteTextFileTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *WriteTextFileTool) Name() string { return "write_text_file" }

func (t *WriteTextFileTool) Description() string {
	return "Write a text file in the workspace, creating parent directories as needed."
}

func (t *WriteTextFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write.",
			},
			"append": map[string]any{
				"type":        "boolean",
				"description": "Append instead of overwrite.",
			},
		},
		"required":             []string{"path", "content"},
		"additionalProperties": false,
	})
}

func (t *WriteTextFileTool) Security() tools.Security {
	return tools.Security{Level: models.SecurityWrite}
}

func (t *WriteTextFileTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.Errorf("Invalid parameters: %v", err), nil
	}

	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tools.Errorf("create directories: %v", err), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return tools.Errorf("open: %v", err), nil
	}
	n, werr := f.WriteString(input.Content)
	cerr := f.Close()
	if werr != nil {
		return tools.Errorf("write: %v", werr), nil
	}
	if cerr != nil {
		return tools.Errorf("close: %v", cerr), nil
	}

	return tools.JSONResult(map[string]any{
		"path":          input.Path,
		"bytes_written": n,
		"appended":      input.Append,
	}), nil
}

// ListDirectoryTool lists a workspace directory, non-recursively.
type ListDirectoryTool struct {
	resolver Resolver
}

// NewListDirectoryTool creates a listing tool scoped to the workspace.
func NewListDirectoryTool(cfg Config) *ListDirectoryTool {
	return &ListDirectoryTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }

func (t *ListDirectoryTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *ListDirectoryTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list (relative to workspace, default: workspace root).",
			},
		},
		"additionalProperties": false,
	})
}

func (t *ListDirectoryTool) Security() tools.Security {
	return tools.Security{Level: models.SecurityRead}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.Errorf("Invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		input.Path = "."
	}

	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return tools.Errorf("read directory: %v", err), nil
	}

	type entry struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Size int64  `json:"size,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		item := entry{Name: e.Name(), Type: "file"}
		if e.IsDir() {
			item.Type = "dir"
		} else if info, err := e.Info(); err == nil {
			item.Size = info.Size()
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return tools.JSONResult(map[string]any{
		"path":    input.Path,
		"entries": out,
	}), nil
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
