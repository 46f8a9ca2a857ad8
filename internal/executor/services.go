// Package executor runs tool calls through the policy pipeline: emergency
// stop, write-gate confirmation, policy decision, allowlist, cooldown, and
// the pre-log/finalize audit pair around the actual execution. Every guard
// fails closed.
package executor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/owliabot/owlia/internal/audit"
	"github.com/owliabot/owlia/internal/observability"
	"github.com/owliabot/owlia/internal/policy"
	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/internal/writegate"
)

// Confirmer is the slice of the write-gate the executor needs.
type Confirmer interface {
	Confirm(ctx context.Context, req writegate.Request) writegate.Outcome
}

// CoreServices bundles everything the executor depends on. Registry,
// Policy and Audit are required; the rest may be nil, and a nil Gate
// means every non-read tool call is denied.
type CoreServices struct {
	Registry  *tools.Registry
	Policy    *policy.Engine
	Cooldowns *policy.CooldownTracker
	Audit     *audit.Store
	Gate      Confirmer
	Anomaly   *policy.AnomalyDetector
	Stop      *EmergencyStop
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// EmergencyStop is the global kill switch. While engaged, every tool call
// is denied before any other check runs.
type EmergencyStop struct {
	engaged atomic.Bool
	logger  *slog.Logger
}

func NewEmergencyStop(logger *slog.Logger) *EmergencyStop {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmergencyStop{logger: logger}
}

func (s *EmergencyStop) Engage() {
	if s.engaged.CompareAndSwap(false, true) {
		s.logger.Warn("emergency stop engaged, all tool calls denied")
	}
}

func (s *EmergencyStop) Lift() {
	if s.engaged.CompareAndSwap(true, false) {
		s.logger.Warn("emergency stop lifted")
	}
}

// Engaged is nil-safe so an unwired stop reads as disengaged.
func (s *EmergencyStop) Engaged() bool {
	return s != nil && s.engaged.Load()
}
