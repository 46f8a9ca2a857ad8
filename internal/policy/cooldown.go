package policy

import (
	"fmt"
	"sync"
	"time"
)

// CooldownResult is the outcome of a cooldown check.
type CooldownResult struct {
	Allowed bool
	Reason  string
}

type cooldownSlot struct {
	count       int
	windowStart time.Time
}

// CooldownTracker enforces per-tool, per-user invocation budgets. Check is
// read-only; Record mutates. The two are not atomic: a race between them
// can admit one extra call.
type CooldownTracker struct {
	mu    sync.Mutex
	slots map[string]cooldownSlot
	now   func() time.Time
}

// NewCooldownTracker creates an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{
		slots: make(map[string]cooldownSlot),
		now:   time.Now,
	}
}

// Check reports whether the user may invoke the tool under the policy's
// cooldown. It never mutates tracker state.
func (t *CooldownTracker) Check(tool, user string, p Policy) CooldownResult {
	if p.Cooldown == nil || p.Cooldown.Max <= 0 {
		return CooldownResult{Allowed: true}
	}

	t.mu.Lock()
	slot, ok := t.slots[cooldownKey(tool, user)]
	now := t.now()
	t.mu.Unlock()

	if !ok {
		return CooldownResult{Allowed: true}
	}

	windowEnd := slot.windowStart.Add(p.Cooldown.Window)
	if !windowEnd.After(now) {
		// Window elapsed; Record will reset it on the next tick.
		return CooldownResult{Allowed: true}
	}

	if slot.count >= p.Cooldown.Max {
		return CooldownResult{
			Allowed: false,
			Reason: fmt.Sprintf("cooldown: %d calls in %s, retry in %s",
				slot.count, p.Cooldown.Window, windowEnd.Sub(now).Round(time.Second)),
		}
	}
	return CooldownResult{Allowed: true}
}

// Record counts one successful invocation against the user's budget,
// resetting the window when it has elapsed.
func (t *CooldownTracker) Record(tool, user string, p Policy) {
	if p.Cooldown == nil || p.Cooldown.Max <= 0 {
		return
	}

	key := cooldownKey(tool, user)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	slot, ok := t.slots[key]
	if !ok || !slot.windowStart.Add(p.Cooldown.Window).After(now) {
		t.slots[key] = cooldownSlot{count: 1, windowStart: now}
		return
	}
	slot.count++
	t.slots[key] = slot
}

// Reset clears the slot for a tool and user. Used by operator tooling.
func (t *CooldownTracker) Reset(tool, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, cooldownKey(tool, user))
}

func cooldownKey(tool, user string) string {
	return tool + "|" + user
}
