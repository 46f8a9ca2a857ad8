package policy

import (
	"log/slog"
	"sync"
)

// Outcome is a finalized tool-call result as seen by the anomaly detector.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDenied    Outcome = "denied"
	OutcomeEscalated Outcome = "escalated"
	OutcomeError     Outcome = "error"
)

const (
	// anomalyWindow is how many recent outcomes per user the detector keeps.
	anomalyWindow = 20

	// anomalyMinBad is the minimum number of bad outcomes in the window
	// before the detector reports pressure.
	anomalyMinBad = 5
)

// AnomalyDetector watches the stream of finalized tool outcomes per user and
// raises escalation pressure when denials and errors spike. Pressure feeds
// the policy engine's effective tier; it never blocks a call by itself.
type AnomalyDetector struct {
	mu     sync.Mutex
	recent map[string][]Outcome
	logger *slog.Logger
}

// NewAnomalyDetector creates a detector with an empty history.
func NewAnomalyDetector(logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyDetector{
		recent: make(map[string][]Outcome),
		logger: logger.With("component", "anomaly"),
	}
}

// Record appends one finalized outcome to the user's ring.
func (d *AnomalyDetector) Record(user string, outcome Outcome) {
	if user == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ring := append(d.recent[user], outcome)
	if len(ring) > anomalyWindow {
		ring = ring[len(ring)-anomalyWindow:]
	}
	d.recent[user] = ring

	if bad := countBad(ring); bad == anomalyMinBad {
		d.logger.Warn("anomaly pressure raised",
			"user", user,
			"bad_outcomes", bad,
			"window", len(ring))
	}
}

// Pressure returns the number of tier steps the user's recent history
// warrants. Zero means normal; one means elevated (half or more of the
// window, and at least anomalyMinBad outcomes, were denials or errors).
func (d *AnomalyDetector) Pressure(user string) int {
	if user == "" {
		return 0
	}
	d.mu.Lock()
	ring := d.recent[user]
	d.mu.Unlock()

	if len(ring) == 0 {
		return 0
	}
	bad := countBad(ring)
	if bad >= anomalyMinBad && bad*2 >= len(ring) {
		return 1
	}
	return 0
}

func countBad(ring []Outcome) int {
	bad := 0
	for _, o := range ring {
		if o == OutcomeDenied || o == OutcomeError {
			bad++
		}
	}
	return bad
}
