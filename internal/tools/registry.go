package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// DefaultAliases maps legacy tool names the models keep reaching for onto
// the canonical built-in names.
func DefaultAliases() map[string]string {
	return map[string]string{
		"read_file":  "read_text_file",
		"write_file": "write_text_file",
		"ls":         "list_directory",
	}
}

// Registry manages available tools with thread-safe registration, alias
// resolution, and schema-validated execution.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	aliases   map[string]string
	validator *Validator
	logger    *slog.Logger
}

// NewRegistry creates a registry seeded with the default alias table.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:     make(map[string]Tool),
		aliases:   DefaultAliases(),
		validator: NewValidator(),
		logger:    logger.With("component", "tools"),
	}
}

// Register adds a tool under its name. Replacing an existing tool is legal
// but logged, since it usually means an MCP server shadowed a built-in.
func (r *Registry) Register(tool Tool) {
	name := tool.Name()
	r.mu.Lock()
	_, existed := r.tools[name]
	r.tools[name] = tool
	r.mu.Unlock()
	if existed {
		r.logger.Warn("tool overwritten", "tool", name)
	}
}

// Unregister removes a tool by canonical name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Alias adds an alias for a canonical tool name.
func (r *Registry) Alias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

// Resolve follows the alias table and returns the tool, its canonical name,
// and whether it exists. A name that is both registered and aliased resolves
// to the registered tool.
func (r *Registry) Resolve(name string) (Tool, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool, name, true
	}
	if canonical, ok := r.aliases[name]; ok {
		if tool, ok := r.tools[canonical]; ok {
			return tool, canonical, true
		}
	}
	return nil, name, false
}

// Snapshot returns the registered tools sorted by name, for building the
// LLM tool list deterministically.
func (r *Registry) Snapshot() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Names returns the sorted canonical tool names.
func (r *Registry) Names() []string {
	snapshot := r.Snapshot()
	names := make([]string, len(snapshot))
	for i, t := range snapshot {
		names[i] = t.Name()
	}
	return names
}

// Execute resolves, validates, and runs a tool by name. Lookup misses and
// argument problems come back as error results so the LLM can correct
// itself; only a broken tool returns a Go error.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength), nil
	}
	if len(params) > MaxToolParamsSize {
		return Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), nil
	}

	tool, canonical, ok := r.Resolve(name)
	if !ok {
		return ErrorResult("tool not found: " + name), nil
	}

	if err := r.validator.Validate(canonical, tool.Schema(), params); err != nil {
		return Errorf("invalid parameters for %s: %v", canonical, err), nil
	}
	return tool.Execute(ctx, params)
}

// ValidateArgs checks params against the named tool's schema without
// executing it.
func (r *Registry) ValidateArgs(name string, params json.RawMessage) error {
	tool, canonical, ok := r.Resolve(name)
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	return r.validator.Validate(canonical, tool.Schema(), params)
}
