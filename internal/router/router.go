// Package router mediates between channel adapters, the session store, and
// the agent loop. It pumps inbound messages from all registered adapters,
// serializes turns per session, and returns replies through the adapter the
// message arrived on.
//
// Adapters filter activation (allowlists, group mentions) and route replies
// claimed by a pending reply wait before the stream reaches the router, so
// every message seen here is meant for the agent.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owliabot/owlia/internal/agent"
	"github.com/owliabot/owlia/internal/channels"
	"github.com/owliabot/owlia/internal/observability"
	"github.com/owliabot/owlia/internal/sessions"
	"github.com/owliabot/owlia/pkg/models"
)

const (
	resetCommand = "/new"
	resetReply   = "Started a new session."

	failureNotice = "Sorry, something went wrong. Please try again."
)

// Config carries the per-turn settings the router hands to the loop.
type Config struct {
	// SystemPrompt is prepended to every conversation when non-empty.
	SystemPrompt string

	// Workspace is the working directory passed through to tools.
	Workspace string

	// HistoryLimit caps how many transcript messages seed a turn.
	// Zero or negative means the full transcript.
	HistoryLimit int
}

// Deps are the router's collaborators.
type Deps struct {
	Channels *channels.Registry
	Sessions sessions.Store
	Loop     *agent.Loop
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Router owns the inbound pump. Channels, sessions, and the loop are
// siblings behind it; none of them holds a reference back.
type Router struct {
	channels *channels.Registry
	sessions sessions.Store
	loop     *agent.Loop
	metrics  *observability.Metrics
	cfg      Config
	logger   *slog.Logger

	wg    sync.WaitGroup
	locks sync.Map // session key -> *sync.Mutex
}

func New(deps Deps, cfg Config) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		channels: deps.Channels,
		sessions: deps.Sessions,
		loop:     deps.Loop,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger.With("component", "router"),
	}
}

// Run pumps messages until ctx is cancelled, then waits for in-flight
// turns to finish. Turns on the same session run one at a time; distinct
// sessions run concurrently.
func (r *Router) Run(ctx context.Context) error {
	inbox := r.channels.Aggregate(ctx)
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		case msg, ok := <-inbox:
			if !ok {
				r.wg.Wait()
				return nil
			}
			r.wg.Add(1)
			go func(m *models.Message) {
				defer r.wg.Done()
				r.dispatch(ctx, m)
			}(msg)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg *models.Message) {
	if msg == nil || msg.ChannelID == "" {
		return
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return
	}
	key := models.SessionKey(msg.Channel, msg.ChannelID)
	mu := r.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	r.handle(ctx, key, msg)
}

func (r *Router) lockFor(key string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (r *Router) handle(ctx context.Context, key string, msg *models.Message) {
	if r.metrics != nil {
		r.metrics.MessageReceived(string(msg.Channel), string(models.DirectionInbound))
	}
	r.logger.Debug("message received",
		"channel", msg.Channel,
		"channel_id", msg.ChannelID,
		"sender", msg.SenderID,
		"content_length", len(msg.Content))

	if isReset(msg.Content) {
		fresh, err := r.sessions.Rotate(ctx, key)
		if errors.Is(err, sessions.ErrNotFound) {
			// No conversation yet; the next message starts one anyway.
			fresh, err = r.sessions.GetOrCreate(ctx, key, msg.Channel, msg.ChannelID)
		}
		if err != nil {
			r.logger.Error("session rotation failed", "key", key, "error", err)
			r.reply(ctx, msg, failureNotice)
			return
		}
		r.logger.Info("session rotated", "key", key, "session_id", fresh.ID)
		r.reply(ctx, msg, resetReply)
		return
	}

	session, err := r.sessions.GetOrCreate(ctx, key, msg.Channel, msg.ChannelID)
	if err != nil {
		r.logger.Error("session lookup failed", "key", key, "error", err)
		r.reply(ctx, msg, failureNotice)
		return
	}

	msg.SessionID = session.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := r.sessions.Append(ctx, session.ID, msg); err != nil {
		r.logger.Error("transcript append failed", "session_id", session.ID, "error", err)
		r.reply(ctx, msg, failureNotice)
		return
	}

	history, err := r.sessions.History(ctx, session.ID, r.cfg.HistoryLimit)
	if err != nil {
		r.logger.Error("history read failed", "session_id", session.ID, "error", err)
		r.reply(ctx, msg, failureNotice)
		return
	}

	res := r.loop.Run(ctx, agent.RunInput{
		Messages:  r.conversation(session, history),
		Session:   session,
		UserID:    msg.SenderID,
		Channel:   string(msg.Channel),
		Workspace: r.cfg.Workspace,
	})
	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) {
			return
		}
		r.logger.Error("run failed", "session_id", session.ID, "error", res.Err)
		r.reply(ctx, msg, failureNotice)
		return
	}
	r.reply(ctx, msg, res.Content)
}

// conversation seeds a turn: the system prompt, when configured, followed
// by the transcript window. The inbound message is already in the window.
func (r *Router) conversation(session *models.Session, history []*models.Message) []*models.Message {
	msgs := make([]*models.Message, 0, len(history)+1)
	if r.cfg.SystemPrompt != "" {
		msgs = append(msgs, &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleSystem,
			Content:   r.cfg.SystemPrompt,
			CreatedAt: time.Now(),
		})
	}
	return append(msgs, history...)
}

// reply sends text back on the channel the message came from, split into
// chunks when the adapter caps message length. Only the first chunk quotes
// the inbound message.
func (r *Router) reply(ctx context.Context, inbound *models.Message, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	adapter, ok := r.channels.Get(string(inbound.Channel))
	if !ok {
		r.logger.Error("no adapter registered for channel", "channel", inbound.Channel)
		return
	}

	chunks := []string{text}
	if max := adapter.Capabilities().MaxMessageLength; max > 0 {
		chunks = channels.SplitMessage(text, max)
	}

	replyTo := replyTarget(inbound)
	for i, chunk := range chunks {
		out := channels.Outgoing{Text: chunk}
		if i == 0 {
			out.ReplyToID = replyTo
		}
		if err := adapter.Send(ctx, inbound.ChannelID, out); err != nil {
			r.logger.Error("send failed",
				"channel", inbound.Channel,
				"channel_id", inbound.ChannelID,
				"error", err)
			return
		}
	}
	if r.metrics != nil {
		r.metrics.MessageSent(string(inbound.Channel))
	}
}

// isReset reports whether the message is the session reset command, alone
// or with a bot mention suffix as Telegram sends it in groups.
func isReset(content string) bool {
	fields := strings.Fields(content)
	if len(fields) != 1 {
		return false
	}
	head := strings.ToLower(fields[0])
	return head == resetCommand || strings.HasPrefix(head, resetCommand+"@")
}

// replyTarget extracts the platform message id recorded by the adapter.
func replyTarget(msg *models.Message) string {
	if msg.Metadata == nil {
		return ""
	}
	switch id := msg.Metadata["message_id"].(type) {
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	}
	return ""
}
