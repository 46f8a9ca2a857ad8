package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/owliabot/owlia/internal/channels"
	"github.com/owliabot/owlia/pkg/models"
)

// Channel exposes the gateway as a channels.Adapter. Send stores an event
// addressed to the target device; the device picks it up on its next poll.
// There is no inbound message stream and no reply waiting.
type Channel struct {
	store  *Store
	ttl    time.Duration
	logger *slog.Logger

	msgs     chan *models.Message
	stopOnce sync.Once
}

func NewChannel(store *Store, eventTTL time.Duration, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		store:  store,
		ttl:    eventTTL,
		logger: logger.With("component", "gateway.channel"),
		msgs:   make(chan *models.Message),
	}
}

func (c *Channel) ID() string {
	return string(models.ChannelHTTP)
}

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		Markdown:         true,
		MaxMessageLength: 0,
	}
}

func (c *Channel) Start(ctx context.Context) error {
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.msgs) })
	return nil
}

// Send inserts an event row for the device. Delivery happens whenever the
// device next polls, bounded by the event TTL.
func (c *Channel) Send(ctx context.Context, target string, out channels.Outgoing) error {
	if target == "" {
		return channels.ErrInvalidInput("device target required", nil)
	}
	ev := &models.Event{
		Type:           models.EventMessage,
		Time:           time.Now().UTC(),
		Source:         "agent",
		Message:        out.Text,
		TargetDeviceID: target,
	}
	if c.ttl > 0 {
		expires := time.Now().UTC().Add(c.ttl)
		ev.ExpiresAt = &expires
	}
	if out.ReplyToID != "" {
		ev.Metadata = map[string]any{"reply_to": out.ReplyToID}
	}
	if len(out.Buttons) > 0 {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]any)
		}
		buttons := make([]map[string]string, 0, len(out.Buttons))
		for _, b := range out.Buttons {
			buttons = append(buttons, map[string]string{"label": b.Label, "data": b.Data})
		}
		ev.Metadata["buttons"] = buttons
	}

	id, err := c.store.InsertEvent(ctx, ev)
	if err != nil {
		return channels.ErrInternal(fmt.Sprintf("store event for %s", target), err)
	}
	c.logger.Debug("event queued", "device", target, "event_id", id)
	return nil
}

// Messages returns a stream that never yields; devices pull via the HTTP
// API instead of pushing chat messages.
func (c *Channel) Messages() <-chan *models.Message {
	return c.msgs
}

func (c *Channel) WaitForReply(ctx context.Context, target, fromUserID string, timeout time.Duration) (string, error) {
	return "", channels.ErrUnavailable("http channel cannot wait for replies", nil)
}
