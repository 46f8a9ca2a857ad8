package channels

import (
	"context"
	"sync"
	"time"
)

// ReplyWaiter matches inbound messages to pending waits keyed by target and
// sender. Adapters offer every inbound message to the waiter first; a
// consumed message never reaches the normal message stream. At most one wait
// may be pending per (target, user) pair.
type ReplyWaiter struct {
	mu      sync.Mutex
	pending map[string]chan string
}

// NewReplyWaiter creates an empty reply waiter.
func NewReplyWaiter() *ReplyWaiter {
	return &ReplyWaiter{
		pending: make(map[string]chan string),
	}
}

// Wait blocks until the given user sends a message in the given target, the
// timeout fires (code TIMEOUT_ERROR), or the context is cancelled. A second
// concurrent wait for the same pair fails immediately.
func (w *ReplyWaiter) Wait(ctx context.Context, target, fromUserID string, timeout time.Duration) (string, error) {
	key := replyKey(target, fromUserID)
	ch := make(chan string, 1)

	w.mu.Lock()
	if _, exists := w.pending[key]; exists {
		w.mu.Unlock()
		return "", ErrInvalidInput("a reply wait is already pending for this user", nil)
	}
	w.pending[key] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case text := <-ch:
		return text, nil
	case <-timer.C:
		return "", ErrTimeout("no reply received", nil)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Deliver offers an inbound message to a pending wait. It reports whether
// the message was consumed.
func (w *ReplyWaiter) Deliver(target, fromUserID, text string) bool {
	key := replyKey(target, fromUserID)

	w.mu.Lock()
	ch, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()

	if !ok {
		return false
	}
	// Buffered; never blocks even if the waiter already gave up.
	ch <- text
	return true
}

func replyKey(target, fromUserID string) string {
	return target + "|" + fromUserID
}
