package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/owliabot/owlia/pkg/models"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func readRows(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var rows []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad row %q: %v", scanner.Text(), err)
		}
		rows = append(rows, e)
	}
	return rows
}

func TestPreLogThenFinalize(t *testing.T) {
	s, path := openTestStore(t)

	id, err := s.PreLog(context.Background(), Entry{
		Tool:          "send_payment",
		Tier:          2,
		EffectiveTier: 2,
		SecurityLevel: models.SecurityWrite,
		User:          "u1",
		Channel:       "telegram",
		Params:        json.RawMessage(`{"amountUsd":25}`),
		AmountUSD:     25,
	})
	if err != nil {
		t.Fatalf("PreLog: %v", err)
	}
	if id == "" {
		t.Fatal("PreLog returned empty id")
	}

	if err := s.Finalize(id, ResultSuccess, 120*time.Millisecond, "0xabc"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	rows := readRows(t, path)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Result != ResultPending || rows[1].Result != ResultSuccess {
		t.Errorf("results = %q, %q", rows[0].Result, rows[1].Result)
	}
	if rows[0].ID != id || rows[1].ID != id {
		t.Errorf("rows do not share the id %q", id)
	}
	if rows[0].Version != SchemaVersion {
		t.Errorf("Version = %d, want %d", rows[0].Version, SchemaVersion)
	}
	if rows[1].TxHash != "0xabc" {
		t.Errorf("TxHash = %q", rows[1].TxHash)
	}
	if rows[1].Duration != 120*time.Millisecond {
		t.Errorf("Duration = %v", rows[1].Duration)
	}
}

func TestFinalizeUnknownID(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Finalize("nope", ResultSuccess, 0, ""); err == nil {
		t.Fatal("expected an error for an unknown id")
	}
}

func TestFinalizeRejectsPendingResult(t *testing.T) {
	s, _ := openTestStore(t)
	id, err := s.PreLog(context.Background(), Entry{Tool: "x", User: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize(id, ResultPending, 0, ""); err == nil {
		t.Fatal("expected an error for a pending finalization")
	}
}

func TestPreLogFailsClosedAfterClose(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PreLog(context.Background(), Entry{Tool: "x"}); err == nil {
		t.Fatal("expected PreLog to fail on a closed store")
	}
}

func TestDailySpentUSD(t *testing.T) {
	s, _ := openTestStore(t)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	settle := func(amount float64, result Result) {
		t.Helper()
		id, err := s.PreLog(context.Background(), Entry{Tool: "send_payment", User: "u1", AmountUSD: amount})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Finalize(id, result, time.Second, ""); err != nil {
			t.Fatal(err)
		}
	}

	settle(25, ResultSuccess)
	settle(10, ResultDenied) // denied spend does not count
	settle(5, ResultSuccess)

	if got := s.DailySpentUSD("u1"); got != 30 {
		t.Errorf("DailySpentUSD = %v, want 30", got)
	}
	if got := s.DailySpentUSD("u2"); got != 0 {
		t.Errorf("DailySpentUSD(u2) = %v, want 0", got)
	}

	// The sum resets at the next UTC midnight.
	now = base.Add(24 * time.Hour)
	if got := s.DailySpentUSD("u1"); got != 0 {
		t.Errorf("DailySpentUSD after midnight = %v, want 0", got)
	}
}

func TestConsecutiveDenials(t *testing.T) {
	s, _ := openTestStore(t)

	settle := func(result Result) {
		t.Helper()
		id, err := s.PreLog(context.Background(), Entry{Tool: "x", User: "u1"})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Finalize(id, result, 0, ""); err != nil {
			t.Fatal(err)
		}
	}

	settle(ResultDenied)
	settle(ResultSuccess)
	settle(ResultDenied)
	settle(ResultEscalated)
	settle(ResultDenied)

	if got := s.ConsecutiveDenials("u1", 10); got != 3 {
		t.Errorf("ConsecutiveDenials = %d, want 3", got)
	}
	if got := s.ConsecutiveDenials("u1", 2); got != 2 {
		t.Errorf("ConsecutiveDenials capped = %d, want 2", got)
	}
	if got := s.ConsecutiveDenials("u2", 10); got != 0 {
		t.Errorf("ConsecutiveDenials(u2) = %d, want 0", got)
	}

	settle(ResultSuccess)
	if got := s.ConsecutiveDenials("u1", 10); got != 0 {
		t.Errorf("ConsecutiveDenials after success = %d, want 0", got)
	}
}

func TestReplayRebuildsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	id, err := s.PreLog(context.Background(), Entry{Tool: "send_payment", User: "u1", AmountUSD: 40})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize(id, ResultSuccess, time.Second, ""); err != nil {
		t.Fatal(err)
	}
	// Leave one orphaned pending row behind.
	if _, err := s.PreLog(context.Background(), Entry{Tool: "send_payment", User: "u1", AmountUSD: 9}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	reopened.now = func() time.Time { return now }

	if got := reopened.DailySpentUSD("u1"); got != 40 {
		t.Errorf("DailySpentUSD after replay = %v, want 40", got)
	}
	if got := reopened.ConsecutiveDenials("u1", 10); got != 0 {
		t.Errorf("ConsecutiveDenials after replay = %d, want 0", got)
	}
}

func TestReplaySkipsCorruptRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open over corrupt file: %v", err)
	}
	defer s.Close()

	if _, err := s.PreLog(context.Background(), Entry{Tool: "x", User: "u1"}); err != nil {
		t.Fatalf("PreLog after corrupt replay: %v", err)
	}
}
