// Package agent drives the turn-based conversation loop: call the model,
// run the tools it asked for, feed the results back, and repeat until the
// model answers in text or a bound trips. Providers are non-streaming; a
// turn settles as one whole response.
package agent

import (
	"context"
	"errors"

	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

// ErrNoProviders is returned when the loop has nothing to call.
var ErrNoProviders = errors.New("agent: no providers configured")

// Usage counts the tokens one completion consumed.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// CompletionRequest is a single model call: the working conversation plus
// the tool surface. System travels separately from Messages because most
// APIs want it that way.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []*models.Message
	Tools     []tools.Tool
	MaxTokens int

	// Workspace is the run's working directory. Command-backed providers
	// execute there; API providers ignore it.
	Workspace string
}

// Response is one settled model turn.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
	Provider  string
	Model     string
}

// Provider is a non-streaming LLM backend.
//
// Implementations must be safe for concurrent use; the loop may run for
// several sessions at once against the same provider.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Response, error)

	Name() string

	// Priority orders failover; lower is tried first.
	Priority() int

	// ResolveKey reports whether the provider's credentials are usable.
	// Failover advances past providers whose keys do not resolve.
	ResolveKey(ctx context.Context) error

	// IsCLI marks providers backed by a local command. The loop hands such
	// a provider the whole conversation and suppresses its own tool
	// fan-out; the command runs tools internally.
	IsCLI() bool
}

// turnKind classifies how one turn of the loop ended.
type turnKind int

const (
	// turnDone: the model answered in text; the run is finished.
	turnDone turnKind = iota

	// turnToolCalls: tools ran and their results were appended; loop again.
	turnToolCalls

	// turnMaxIterations: the iteration cap tripped before a text answer.
	turnMaxIterations

	// turnTimeout: the wall clock on the whole run expired.
	turnTimeout

	// turnCancelled: the caller's context was cancelled.
	turnCancelled

	// turnFatal: the provider or the transcript store failed.
	turnFatal
)

// turnOutcome is the settled result of one turn. Exactly one of content,
// calls, or err is meaningful, keyed by kind.
type turnOutcome struct {
	kind    turnKind
	content string
	calls   []models.ToolCall
	err     error
}
