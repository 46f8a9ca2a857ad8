// Package writegate guards every non-read tool call behind an explicit human
// confirmation. The gate is fail-closed: infrastructure trouble of any kind
// settles as a denial, never as an approval.
package writegate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/owliabot/owlia/internal/channels"
	"github.com/owliabot/owlia/internal/config"
	"github.com/owliabot/owlia/pkg/models"
)

// Decision is the settled outcome of a confirmation round.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionTimeout  Decision = "timeout"
)

// Denial reasons recorded in the decisions log.
const (
	ReasonNotInAllowlist     = "not_in_allowlist"
	ReasonAlreadyPending     = "already_pending"
	ReasonChannelUnavailable = "channel_unavailable"
	ReasonSendFailed         = "send_failed"
	ReasonUserRejected       = "user_rejected"
	ReasonCancelled          = "cancelled"
	ReasonNoReply            = "no_reply"
)

// approvalWords are the replies that count as a yes, compared lowercase and
// trimmed. Anything else denies.
var approvalWords = map[string]bool{
	"yes":     true,
	"y":       true,
	"confirm": true,
	"ok":      true,
	"approve": true,
}

// maxPromptParams bounds how much of the tool arguments the prompt shows.
const maxPromptParams = 512

// Request describes one write-level call awaiting confirmation.
type Request struct {
	SessionKey string
	UserID     string
	Tool       string
	Level      models.SecurityLevel
	Params     json.RawMessage
}

// Outcome is the gate's verdict plus the reason recorded for it.
type Outcome struct {
	Decision Decision
	Reason   string
}

// Approved reports whether the call may proceed.
func (o Outcome) Approved() bool { return o.Decision == DecisionApproved }

// decisionRecord is one JSONL row in the decisions log.
type decisionRecord struct {
	TS         time.Time `json:"ts"`
	SessionKey string    `json:"session_key"`
	User       string    `json:"user"`
	Tool       string    `json:"tool"`
	Level      string    `json:"level"`
	Decision   Decision  `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	Waited     int64     `json:"waited_ms,omitempty"`
}

// Gate sends confirmation prompts and waits for an allowlisted user's reply.
type Gate struct {
	cfg      config.WriteGateConfig
	registry *channels.Registry
	allowed  map[string]bool
	logger   *slog.Logger
	now      func() time.Time

	logMu sync.Mutex
	logF  *os.File

	pendingMu sync.Mutex
	pending   map[string]bool
}

// New creates a gate writing decisions to cfg.DecisionLog.
func New(cfg config.WriteGateConfig, registry *channels.Registry, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.Allowlist))
	for _, u := range cfg.Allowlist {
		allowed[u] = true
	}

	var f *os.File
	if cfg.DecisionLog != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DecisionLog), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create decision log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(cfg.DecisionLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open decision log: %w", err)
		}
	}

	return &Gate{
		cfg:      cfg,
		registry: registry,
		allowed:  allowed,
		logger:   logger.With("component", "writegate"),
		now:      time.Now,
		logF:     f,
		pending:  make(map[string]bool),
	}, nil
}

// Close closes the decisions log.
func (g *Gate) Close() error {
	g.logMu.Lock()
	defer g.logMu.Unlock()
	if g.logF == nil {
		return nil
	}
	err := g.logF.Close()
	g.logF = nil
	return err
}

// Confirm runs one confirmation round for the request. Only an explicit
// approval word from the requesting user approves; every other path denies
// or times out.
func (g *Gate) Confirm(ctx context.Context, req Request) Outcome {
	start := g.now()

	if !g.allowed[req.UserID] {
		return g.settle(req, Outcome{DecisionDenied, ReasonNotInAllowlist}, "", start)
	}

	g.pendingMu.Lock()
	if g.pending[req.SessionKey] {
		g.pendingMu.Unlock()
		// Do not clear the flag that belongs to the round in flight.
		return g.settle(req, Outcome{DecisionDenied, ReasonAlreadyPending}, "", start)
	}
	g.pending[req.SessionKey] = true
	g.pendingMu.Unlock()
	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, req.SessionKey)
		g.pendingMu.Unlock()
	}()

	channelID, target := g.route(req)
	adapter, ok := g.registry.Get(channelID)
	if !ok {
		return g.settle(req, Outcome{DecisionDenied, ReasonChannelUnavailable}, "", start)
	}

	if err := adapter.Send(ctx, target, channels.Outgoing{Text: g.prompt(req)}); err != nil {
		g.logger.Warn("confirmation prompt failed", "channel", channelID, "error", err)
		return g.settle(req, Outcome{DecisionDenied, ReasonSendFailed}, "", start)
	}

	reply, err := adapter.WaitForReply(ctx, target, req.UserID, g.cfg.ConfirmTimeout)
	if err != nil {
		if channels.IsTimeout(err) {
			return g.settle(req, Outcome{DecisionTimeout, ReasonNoReply}, "", start)
		}
		return g.settle(req, Outcome{DecisionDenied, ReasonCancelled}, "", start)
	}

	if approvalWords[strings.ToLower(strings.TrimSpace(reply))] {
		return g.settle(req, Outcome{Decision: DecisionApproved}, reply, start)
	}
	return g.settle(req, Outcome{DecisionDenied, ReasonUserRejected}, reply, start)
}

// route picks the adapter and send target for the prompt. Confirmations go
// to the session's own chat unless a dedicated channel is configured, in
// which case the requesting user is messaged directly there.
func (g *Gate) route(req Request) (channelID, target string) {
	sessChannel, sessTarget := splitSessionKey(req.SessionKey)
	if g.cfg.Channel == "" || g.cfg.Channel == sessChannel {
		return sessChannel, sessTarget
	}
	return g.cfg.Channel, req.UserID
}

func (g *Gate) prompt(req Request) string {
	params := strings.TrimSpace(string(req.Params))
	if params == "" || params == "null" {
		params = "{}"
	}
	if len(params) > maxPromptParams {
		params = params[:maxPromptParams] + "..."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Confirmation required: %s (%s)\n", req.Tool, req.Level)
	fmt.Fprintf(&b, "Arguments: %s\n", params)
	fmt.Fprintf(&b, "Reply yes/confirm to approve within %s; anything else denies.", g.cfg.ConfirmTimeout)
	return b.String()
}

func (g *Gate) settle(req Request, out Outcome, reply string, start time.Time) Outcome {
	rec := decisionRecord{
		TS:         g.now().UTC(),
		SessionKey: req.SessionKey,
		User:       req.UserID,
		Tool:       req.Tool,
		Level:      string(req.Level),
		Decision:   out.Decision,
		Reason:     out.Reason,
		Reply:      reply,
		Waited:     g.now().Sub(start).Milliseconds(),
	}
	g.appendRecord(rec)
	g.logger.Info("write gate settled",
		"session", req.SessionKey,
		"user", req.UserID,
		"tool", req.Tool,
		"decision", string(out.Decision),
		"reason", out.Reason)
	return out
}

func (g *Gate) appendRecord(rec decisionRecord) {
	g.logMu.Lock()
	defer g.logMu.Unlock()
	if g.logF == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		g.logger.Error("failed to marshal gate decision", "error", err)
		return
	}
	if _, err := g.logF.Write(append(data, '\n')); err != nil {
		g.logger.Error("failed to append gate decision", "error", err)
	}
}

func splitSessionKey(key string) (channel, target string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}
