// Package audit keeps the append-only ledger of tool invocations. Every
// execution writes a pending row before the tool runs and a finalization row
// with the same ID after it settles, so a crash mid-call leaves a visible
// orphan instead of a silent gap.
package audit

import (
	"encoding/json"
	"time"

	"github.com/owliabot/owlia/pkg/models"
)

// SchemaVersion is stamped into every row so readers can migrate old files.
const SchemaVersion = 1

// Result is the settled outcome of a tool invocation.
type Result string

const (
	ResultPending   Result = "pending"
	ResultSuccess   Result = "success"
	ResultDenied    Result = "denied"
	ResultEscalated Result = "escalated"
	ResultError     Result = "error"
)

// Valid reports whether r is a known result.
func (r Result) Valid() bool {
	switch r {
	case ResultPending, ResultSuccess, ResultDenied, ResultEscalated, ResultError:
		return true
	}
	return false
}

// Entry is one ledger row. A pending row and its finalization share an ID.
type Entry struct {
	ID      string    `json:"id"`
	TS      time.Time `json:"ts"`
	Version int       `json:"version"`

	Tool          string               `json:"tool"`
	Tier          int                  `json:"tier"`
	EffectiveTier int                  `json:"effective_tier"`
	SecurityLevel models.SecurityLevel `json:"security_level"`

	User    string `json:"user,omitempty"`
	Channel string `json:"channel,omitempty"`

	// Params are the raw tool arguments. The logger's redaction layer does
	// not see this file; callers must not put credentials in tool args.
	Params json.RawMessage `json:"params,omitempty"`

	// AmountUSD is the USD amount extracted from the arguments, zero when
	// the call carries none.
	AmountUSD float64 `json:"amount_usd,omitempty"`

	Result   Result        `json:"result"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	TxHash   string        `json:"tx_hash,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}
