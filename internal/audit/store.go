package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owliabot/owlia/internal/observability"
)

// tailLimit caps the per-user outcome history kept in memory for
// ConsecutiveDenials scans.
const tailLimit = 50

// maxReplayLine bounds a single JSONL row during replay.
const maxReplayLine = 1 << 20

type spendRec struct {
	ts     time.Time
	amount float64
}

type userTail struct {
	outcomes []Result
	spends   []spendRec
}

// Store is the append-only JSONL ledger plus the in-memory tail index the
// policy escalation context is built from. PreLog is fail-closed: callers
// must treat a PreLog error as a denial.
type Store struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	pending map[string]Entry
	tails   map[string]*userTail
	logger  *slog.Logger
	now     func() time.Time
}

// Open creates or appends to the ledger at path and replays it to rebuild
// the tail index.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	s := &Store{
		path:    path,
		pending: make(map[string]Entry),
		tails:   make(map[string]*userTail),
		logger:  logger.With("component", "audit"),
		now:     time.Now,
	}
	if err := s.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	s.f = f
	return s, nil
}

// Close closes the underlying file. Orphaned pending rows stay pending; the
// next replay reports them.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// PreLog appends a pending row for an invocation about to run and returns its
// ID. Any error means the ledger could not record the attempt and the caller
// must not run the tool.
func (s *Store) PreLog(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.TS = s.nowUTC()
	e.Version = SchemaVersion
	e.Result = ResultPending
	if e.TraceID == "" {
		e.TraceID = observability.GetTraceID(ctx)
	}
	if e.SpanID == "" {
		e.SpanID = observability.GetSpanID(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	s.pending[e.ID] = e

	s.logger.Info("tool invocation",
		"audit_id", e.ID,
		"tool", e.Tool,
		"user", e.User,
		"channel", e.Channel,
		"tier", e.Tier,
		"effective_tier", e.EffectiveTier,
		"amount_usd", e.AmountUSD)
	return e.ID, nil
}

// Finalize settles a pending row. The finalization row repeats the pending
// row's fields so each line is self-contained.
func (s *Store) Finalize(id string, result Result, duration time.Duration, txHash string) error {
	return s.FinalizeWithReason(id, result, "", duration, txHash)
}

// FinalizeWithReason is Finalize with a denial or error reason attached.
func (s *Store) FinalizeWithReason(id string, result Result, reason string, duration time.Duration, txHash string) error {
	if !result.Valid() || result == ResultPending {
		return fmt.Errorf("audit: invalid finalization result %q", result)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[id]
	if !ok {
		return fmt.Errorf("audit: no pending entry %q", id)
	}

	e.TS = s.nowUTC()
	e.Result = result
	e.Reason = reason
	e.Duration = duration
	e.TxHash = txHash
	if err := s.appendLocked(e); err != nil {
		return err
	}
	delete(s.pending, id)
	s.indexLocked(e)

	s.logger.Info("tool invocation settled",
		"audit_id", e.ID,
		"tool", e.Tool,
		"user", e.User,
		"result", string(result),
		"reason", reason,
		"duration", duration,
		"tx_hash", txHash)
	return nil
}

// DailySpentUSD sums the user's successful spend since UTC midnight.
func (s *Store) DailySpentUSD(user string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail, ok := s.tails[user]
	if !ok {
		return 0
	}
	midnight := s.nowUTC().Truncate(24 * time.Hour)

	// Prune spends from previous days while summing.
	kept := tail.spends[:0]
	var sum float64
	for _, rec := range tail.spends {
		if rec.ts.Before(midnight) {
			continue
		}
		kept = append(kept, rec)
		sum += rec.amount
	}
	tail.spends = kept
	return sum
}

// ConsecutiveDenials counts the unbroken run of denied or escalated outcomes
// at the tail of the user's history, scanning at most n entries.
func (s *Store) ConsecutiveDenials(user string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail, ok := s.tails[user]
	if !ok {
		return 0
	}
	count := 0
	for i := len(tail.outcomes) - 1; i >= 0 && count < n; i-- {
		if tail.outcomes[i] != ResultDenied && tail.outcomes[i] != ResultEscalated {
			break
		}
		count++
	}
	return count
}

func (s *Store) appendLocked(e Entry) error {
	if s.f == nil {
		return fmt.Errorf("audit: store is closed")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

func (s *Store) indexLocked(e Entry) {
	if e.User == "" {
		return
	}
	tail, ok := s.tails[e.User]
	if !ok {
		tail = &userTail{}
		s.tails[e.User] = tail
	}
	tail.outcomes = append(tail.outcomes, e.Result)
	if len(tail.outcomes) > tailLimit {
		tail.outcomes = tail.outcomes[len(tail.outcomes)-tailLimit:]
	}
	if e.Result == ResultSuccess && e.AmountUSD > 0 {
		tail.spends = append(tail.spends, spendRec{ts: e.TS, amount: e.AmountUSD})
	}
}

// replay rebuilds the pending map and tail index from the existing file.
// Corrupt lines are skipped; a row is pending until a finalization with the
// same ID appears later in the file.
func (s *Store) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open audit log for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	corrupt := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			corrupt++
			continue
		}
		if e.Result == ResultPending {
			s.pending[e.ID] = e
			continue
		}
		delete(s.pending, e.ID)
		s.indexLocked(e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to replay audit log: %w", err)
	}
	if corrupt > 0 {
		s.logger.Warn("skipped corrupt audit rows", "count", corrupt)
	}
	if len(s.pending) > 0 {
		s.logger.Warn("audit rows left pending by a previous run", "count", len(s.pending))
	}
	return nil
}

func (s *Store) nowUTC() time.Time {
	return s.now().UTC()
}
