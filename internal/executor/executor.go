package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/owliabot/owlia/internal/audit"
	"github.com/owliabot/owlia/internal/policy"
	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/internal/writegate"
	"github.com/owliabot/owlia/pkg/models"
)

// denialLookback bounds how far back the consecutive-denial scan reaches.
const denialLookback = 10

// Options carries the caller identity a tool call runs under.
type Options struct {
	SessionKey string
	UserID     string
	Channel    string
}

// Executor is safe for concurrent use across sessions.
type Executor struct {
	svc    CoreServices
	logger *slog.Logger
}

func New(svc CoreServices) *Executor {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{svc: svc, logger: logger.With("component", "executor")}
}

// invocation is the resolved state a call accumulates on its way through
// the pipeline.
type invocation struct {
	call    models.ToolCall
	tool    tools.Tool
	name    string
	sec     tools.Security
	pol     policy.Policy
	hasPol  bool
	args    json.RawMessage
	amount  float64
	opts    Options
	tier    int
	effTier int
}

// Execute runs one tool call through the full pipeline and always returns
// a result; failures surface as IsError results with the reason as
// content.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, opts Options) models.ToolResult {
	// Resolve, with the registry's caps applied first.
	if len(call.Name) > tools.MaxToolNameLength {
		return errResult(call, "Tool name exceeds maximum length")
	}
	if len(call.Arguments) > tools.MaxToolParamsSize {
		return errResult(call, "Tool parameters exceed maximum size")
	}
	tool, canonical, ok := e.svc.Registry.Resolve(call.Name)
	if !ok {
		return errResult(call, fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	pol, hasPol := e.svc.Policy.Resolve(canonical)
	inv := &invocation{
		call:    call,
		tool:    tool,
		name:    canonical,
		sec:     tool.Security(),
		pol:     pol,
		hasPol:  hasPol,
		args:    call.Arguments,
		amount:  extractAmountUSD(call.Arguments),
		opts:    opts,
		tier:    pol.Tier,
		effTier: pol.Tier,
	}

	// Emergency stop beats everything.
	if e.svc.Stop.Engaged() {
		return e.deny(ctx, inv, audit.ResultDenied, "emergency stop engaged", "Emergency stop is engaged")
	}

	// Human confirmation for anything that can change state.
	if inv.sec.Level != models.SecurityRead || inv.sec.ConfirmRequired {
		if res, ok := e.confirm(ctx, inv); !ok {
			return res
		}
	}

	// Policy decision with ledger-derived escalation context.
	esc := policy.EscalationContext{
		User:      opts.UserID,
		AmountUSD: inv.amount,
	}
	if e.svc.Audit != nil {
		esc.DailySpentUSD = e.svc.Audit.DailySpentUSD(opts.UserID)
		esc.ConsecutiveDenials = e.svc.Audit.ConsecutiveDenials(opts.UserID, denialLookback)
	}
	if e.svc.Anomaly != nil {
		esc.AnomalyPressure = e.svc.Anomaly.Pressure(opts.UserID)
	}

	dec := e.svc.Policy.Decide(inv.name, esc)
	inv.tier = dec.Tier
	inv.effTier = dec.EffectiveTier
	switch dec.Action {
	case policy.ActionDeny:
		return e.deny(ctx, inv, audit.ResultDenied, dec.Reason, dec.Reason)
	case policy.ActionEscalate:
		return e.deny(ctx, inv, audit.ResultEscalated, dec.Reason, dec.Reason)
	case policy.ActionConfirm:
		// Reserved action with no confirmation flow behind it.
		return e.deny(ctx, inv, audit.ResultDenied, "confirmation-not-implemented", "confirmation-not-implemented")
	}

	if inv.hasPol && len(inv.pol.AllowedUsers) > 0 && !slices.Contains(inv.pol.AllowedUsers, opts.UserID) {
		return e.deny(ctx, inv, audit.ResultDenied, "not-in-allowedUsers",
			fmt.Sprintf("User %s is not authorized for %s", opts.UserID, inv.name))
	}

	if e.svc.Cooldowns != nil {
		if cd := e.svc.Cooldowns.Check(inv.name, opts.UserID, inv.pol); !cd.Allowed {
			return e.deny(ctx, inv, audit.ResultDenied, cd.Reason, cd.Reason)
		}
	}

	// Pre-log. A ledger that cannot record the attempt blocks it.
	id, err := e.svc.Audit.PreLog(ctx, e.entry(inv))
	if err != nil {
		e.logger.Error("audit pre-log failed", "tool", inv.name, "err", err)
		return errResult(call, "Audit system failure")
	}

	start := time.Now()
	res, execErr := e.runTool(ctx, inv)
	duration := time.Since(start)

	return e.finalize(inv, id, res, execErr, duration)
}

// ExecuteAll runs the calls one at a time in emission order; results line
// up with the input by position and ToolCallID.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, opts Options) []models.ToolResult {
	out := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		out = append(out, e.Execute(ctx, call, opts))
	}
	return out
}

// confirm runs the write-gate round. The second return is false when the
// call must stop, with the result to hand back.
func (e *Executor) confirm(ctx context.Context, inv *invocation) (models.ToolResult, bool) {
	if e.svc.Gate == nil {
		return e.deny(ctx, inv, audit.ResultDenied, "confirmation channel unavailable",
			"Confirmation channel unavailable"), false
	}
	outcome := e.svc.Gate.Confirm(ctx, writegate.Request{
		SessionKey: inv.opts.SessionKey,
		UserID:     inv.opts.UserID,
		Tool:       inv.name,
		Level:      inv.sec.Level,
		Params:     inv.args,
	})
	if outcome.Approved() {
		return models.ToolResult{}, true
	}
	reason := fmt.Sprintf("confirmation %s: %s", outcome.Decision, outcome.Reason)
	return e.deny(ctx, inv, audit.ResultDenied, reason,
		fmt.Sprintf("Tool call not approved (%s)", outcome.Reason)), false
}

// runTool validates the arguments and executes, converting a panic into
// an error so the pre-logged row still gets finalized.
func (e *Executor) runTool(ctx context.Context, inv *invocation) (res *tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", inv.name, "panic", r)
			res = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	if verr := e.svc.Registry.ValidateArgs(inv.name, inv.args); verr != nil {
		return tools.Errorf("Invalid arguments: %v", verr), nil
	}
	return inv.tool.Execute(ctx, inv.args)
}

func (e *Executor) finalize(inv *invocation, id string, res *tools.Result, execErr error, duration time.Duration) models.ToolResult {
	result := models.ToolResult{ToolCallID: inv.call.ID, ToolName: inv.name}
	var outcome audit.Result
	var reason, txHash string

	switch {
	case execErr != nil:
		outcome = audit.ResultError
		reason = execErr.Error()
		result.IsError = true
		result.Content = fmt.Sprintf("Tool execution failed: %v", execErr)
	case res == nil:
		outcome = audit.ResultError
		reason = "tool returned no result"
		result.IsError = true
		result.Content = "Tool execution failed: no result"
	case res.IsError:
		outcome = audit.ResultError
		reason = clipReason(res.Content)
		result.IsError = true
		result.Content = res.Content
		result.Data = res.Data
	default:
		outcome = audit.ResultSuccess
		result.Content = res.Content
		result.Data = res.Data
		txHash = extractTxHash(res.Data)
	}

	if err := e.svc.Audit.FinalizeWithReason(id, outcome, reason, duration, txHash); err != nil {
		e.logger.Error("audit finalize failed", "audit_id", id, "err", err)
	}
	e.feedAnomaly(inv.opts.UserID, outcome)
	if outcome == audit.ResultSuccess && e.svc.Cooldowns != nil {
		e.svc.Cooldowns.Record(inv.name, inv.opts.UserID, inv.pol)
	}
	if e.svc.Metrics != nil {
		e.svc.Metrics.RecordToolExecution(inv.name, string(outcome), duration.Seconds())
	}
	return result
}

// deny settles a call that never ran: a pre-log/finalize pair in the
// ledger, an anomaly tick, a metric, and an error result for the LLM.
func (e *Executor) deny(ctx context.Context, inv *invocation, result audit.Result, auditReason, userMsg string) models.ToolResult {
	if e.svc.Audit != nil {
		id, err := e.svc.Audit.PreLog(ctx, e.entry(inv))
		if err != nil {
			e.logger.Error("audit pre-log failed", "tool", inv.name, "err", err)
		} else if err := e.svc.Audit.FinalizeWithReason(id, result, auditReason, 0, ""); err != nil {
			e.logger.Error("audit finalize failed", "audit_id", id, "err", err)
		}
	}
	e.feedAnomaly(inv.opts.UserID, result)
	if e.svc.Metrics != nil {
		e.svc.Metrics.RecordToolExecution(inv.name, string(result), 0)
	}
	return errResult(inv.call, userMsg)
}

func (e *Executor) entry(inv *invocation) audit.Entry {
	return audit.Entry{
		Tool:          inv.name,
		Tier:          inv.tier,
		EffectiveTier: inv.effTier,
		SecurityLevel: inv.sec.Level,
		User:          inv.opts.UserID,
		Channel:       inv.opts.Channel,
		Params:        inv.args,
		AmountUSD:     inv.amount,
	}
}

func (e *Executor) feedAnomaly(user string, r audit.Result) {
	if e.svc.Anomaly == nil {
		return
	}
	switch r {
	case audit.ResultSuccess:
		e.svc.Anomaly.Record(user, policy.OutcomeSuccess)
	case audit.ResultDenied:
		e.svc.Anomaly.Record(user, policy.OutcomeDenied)
	case audit.ResultEscalated:
		e.svc.Anomaly.Record(user, policy.OutcomeEscalated)
	case audit.ResultError:
		e.svc.Anomaly.Record(user, policy.OutcomeError)
	}
}

func errResult(call models.ToolCall, msg string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    msg,
		IsError:    true,
	}
}

// extractAmountUSD pulls a USD amount out of tool arguments. Bare
// "amount" only counts when the call is unambiguous about currency.
func extractAmountUSD(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0
	}
	for _, k := range []string{"amountUsd", "amount_usd", "valueUsd", "value_usd"} {
		if v, ok := asFloat(m[k]); ok {
			return v
		}
	}
	if v, ok := asFloat(m["amount"]); ok {
		switch c := m["currency"].(type) {
		case nil:
			return v
		case string:
			if strings.EqualFold(c, "USD") {
				return v
			}
		}
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func extractTxHash(data map[string]any) string {
	for _, k := range []string{"txHash", "tx_hash", "transactionHash"} {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func clipReason(s string) string {
	const limit = 200
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
