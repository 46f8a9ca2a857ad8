package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type compiledSchema struct {
	raw      string
	compiled *jsonschema.Schema
}

// Validator caches compiled argument schemas per tool. The cache keys on the
// raw schema text so a tool that changes its schema (MCP servers do, after a
// reconnect) is recompiled transparently.
type Validator struct {
	mu    sync.Mutex
	cache map[string]compiledSchema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]compiledSchema)}
}

// Validate checks params against the tool's schema. An empty schema accepts
// anything; empty params validate as an empty object.
func (v *Validator) Validate(name string, schema, params json.RawMessage) error {
	raw := string(schema)
	if raw == "" || raw == "null" {
		return nil
	}

	compiled, err := v.compile(name, raw)
	if err != nil {
		return fmt.Errorf("schema for %s does not compile: %w", name, err)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(params, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return compiled.Validate(payload)
}

func (v *Validator) compile(name, raw string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if entry, ok := v.cache[name]; ok && entry.raw == raw {
		return entry.compiled, nil
	}
	compiled, err := jsonschema.CompileString(name+".json", raw)
	if err != nil {
		return nil, err
	}
	v.cache[name] = compiledSchema{raw: raw, compiled: compiled}
	return compiled, nil
}
