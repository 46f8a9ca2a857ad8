package channels

import (
	"context"
	"sync"
	"time"

	"github.com/owliabot/owlia/pkg/models"
)

// Adapter is the interface every channel implements. It provides a unified
// surface over messaging platforms such as Telegram and Discord, plus the
// HTTP device channel.
type Adapter interface {
	// ID returns the channel identifier ("telegram", "discord", "http").
	ID() string

	// Capabilities describes what this channel supports.
	Capabilities() Capabilities

	// Start begins listening for inbound messages. It should establish
	// connections, authenticate, and spawn the receive loop.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter. It should close connections
	// and wait for pending work, honoring the context deadline.
	Stop(ctx context.Context) error

	// Send delivers outgoing content to a target (chat ID, channel ID, or
	// device ID depending on the platform).
	Send(ctx context.Context, target string, out Outgoing) error

	// Messages returns the stream of inbound messages. The channel is
	// closed when the adapter stops.
	Messages() <-chan *models.Message

	// WaitForReply blocks until the given user sends a message in the given
	// target, the timeout fires, or the context is cancelled. The matched
	// message is consumed and does not reach Messages(). Channels that
	// cannot wait return an error with code UNAVAILABLE.
	WaitForReply(ctx context.Context, target, fromUserID string, timeout time.Duration) (string, error)
}

// Capabilities describes the features a channel supports.
type Capabilities struct {
	Reactions        bool `json:"reactions"`
	Threads          bool `json:"threads"`
	Buttons          bool `json:"buttons"`
	Markdown         bool `json:"markdown"`
	MaxMessageLength int  `json:"max_message_length"`
}

// Outgoing is the payload for Adapter.Send.
type Outgoing struct {
	Text      string
	ReplyToID string
	Buttons   []Button
}

// Button is an inline action button attached to an outgoing message.
// Channels without button support render the label as plain text.
type Button struct {
	Label string
	Data  string
}

// Registry tracks channel adapters by ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter to the registry, replacing any previous adapter
// with the same ID.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.ID()] = adapter
}

// Get returns an adapter by ID.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[id]
	return adapter, ok
}

// All returns all registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StartAll starts every registered adapter, stopping at the first failure.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.All() {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered adapter and returns the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Aggregate fans inbound messages from all adapters into a single stream.
// The returned channel closes when the context is cancelled.
func (r *Registry) Aggregate(ctx context.Context) <-chan *models.Message {
	out := make(chan *models.Message)

	var wg sync.WaitGroup
	for _, adapter := range r.All() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-a.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
