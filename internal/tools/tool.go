// Package tools defines the tool contract the agent loop executes against
// and the registry that resolves names, aliases, and argument schemas.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/owliabot/owlia/pkg/models"
)

// Security describes the privilege a tool needs.
type Security struct {
	// Level is the ladder position (read < write < sign).
	Level models.SecurityLevel `json:"level"`

	// ConfirmRequired forces a human confirmation even when the level
	// alone would not.
	ConfirmRequired bool `json:"confirm_required,omitempty"`
}

// Result is a tool's output. Execution failures the LLM should see are
// returned as IsError results, not Go errors; a Go error from Execute means
// the tool itself broke.
type Result struct {
	Content string         `json:"content"`
	IsError bool           `json:"is_error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Tool is a callable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's arguments. Empty means
	// any arguments are accepted.
	Schema() json.RawMessage

	Security() Security

	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// JSONResult marshals a payload into an indented JSON result.
func JSONResult(payload any) *Result {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &Result{Content: string(encoded)}
}

// ErrorResult wraps a message the LLM should see as a failed call.
func ErrorResult(message string) *Result {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &Result{Content: message, IsError: true}
	}
	return &Result{Content: string(payload), IsError: true}
}

// Errorf is ErrorResult with formatting.
func Errorf(format string, args ...any) *Result {
	return ErrorResult(fmt.Sprintf(format, args...))
}
