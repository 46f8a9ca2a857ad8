// Package discord implements the Discord channel adapter on top of discordgo.
package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/owliabot/owlia/internal/channels"
	"github.com/owliabot/owlia/pkg/models"
)

const maxMessageLength = 2000

// discordSession is the slice of discordgo.Session the adapter uses,
// extracted so tests can substitute a fake.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord developer portal (required).
	Token string

	// AllowedUsers restricts inbound processing to these user IDs or
	// usernames. Empty means every user is accepted.
	AllowedUsers []string

	// GroupMentionOnly makes the adapter ignore guild messages that do not
	// mention the bot. Direct messages are always processed.
	GroupMentionOnly bool

	// RateLimit is outbound API calls per second.
	RateLimit float64

	// RateBurst is the outbound burst capacity.
	RateBurst int

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	config   Config
	session  discordSession
	messages chan *models.Message
	replies  *channels.ReplyWaiter
	limiter  *channels.RateLimiter
	logger   *slog.Logger

	mu        sync.RWMutex
	connected bool
	botUserID string
}

// NewAdapter creates a Discord adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:   config,
		messages: make(chan *models.Message, 100),
		replies:  channels.NewReplyWaiter(),
		limiter:  channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:   config.Logger.With("adapter", "discord"),
	}, nil
}

func (a *Adapter) ID() string { return string(models.ChannelDiscord) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		Reactions:        false,
		Threads:          false,
		Buttons:          true,
		Markdown:         true,
		MaxMessageLength: maxMessageLength,
	}
}

// Start opens the gateway connection and registers event handlers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return channels.ErrInternal("adapter already started", nil)
	}

	a.logger.Info("starting discord adapter", "rate_limit", a.config.RateLimit)

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return channels.ErrAuth("failed to create discord session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.session.Open(); err != nil {
		return channels.ErrConnection("failed to connect to discord", err)
	}

	a.connected = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}

	a.logger.Info("stopping discord adapter")

	if err := a.session.Close(); err != nil {
		a.connected = false
		close(a.messages)
		return channels.ErrConnection("failed to close discord session", err)
	}

	a.connected = false
	close(a.messages)
	return nil
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botUserID = r.User.ID
	a.mu.Unlock()

	a.logger.Info("discord connection ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	if !senderAllowed(a.config.AllowedUsers, m.Author) {
		a.logger.Debug("dropping message from unauthorized user",
			"user_id", m.Author.ID, "username", m.Author.Username)
		return
	}

	// A pending confirmation wait consumes the user's next message.
	if a.replies.Deliver(m.ChannelID, m.Author.ID, m.Content) {
		return
	}

	if !a.shouldProcess(m) {
		return
	}

	msg := a.convertMessage(m.Message)

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("messages channel full, dropping message", "channel_id", m.ChannelID)
	}
}

// shouldProcess applies the mention-only rule to guild messages. Direct
// messages carry no guild ID and are always processed.
func (a *Adapter) shouldProcess(m *discordgo.MessageCreate) bool {
	if m.GuildID == "" || !a.config.GroupMentionOnly {
		return true
	}

	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	for _, user := range m.Mentions {
		if user.ID == botUserID {
			return true
		}
	}
	return false
}

func (a *Adapter) convertMessage(m *discordgo.Message) *models.Message {
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	content := m.Content
	if botUserID != "" {
		content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
		content = strings.TrimSpace(content)
	}

	msg := &models.Message{
		ID:         "dc_" + m.ID,
		Channel:    models.ChannelDiscord,
		ChannelID:  m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Direction:  models.DirectionInbound,
		Role:       models.RoleUser,
		Content:    content,
		Metadata: map[string]any{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
			"username":   m.Author.Username,
		},
		CreatedAt: time.Now(),
	}
	if !m.Timestamp.IsZero() {
		msg.CreatedAt = m.Timestamp
	}

	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, 0, len(m.Attachments))
		for _, att := range m.Attachments {
			msg.Attachments = append(msg.Attachments, models.Attachment{
				ID:       att.ID,
				Type:     attachmentType(att.ContentType),
				URL:      att.URL,
				Filename: att.Filename,
				MimeType: att.ContentType,
				Size:     int64(att.Size),
			})
		}
	}

	return msg
}

// Send delivers outgoing content to a channel, splitting overlong text.
func (a *Adapter) Send(ctx context.Context, target string, out channels.Outgoing) error {
	a.mu.RLock()
	connected := a.connected
	session := a.session
	a.mu.RUnlock()

	if !connected || session == nil {
		return channels.ErrUnavailable("adapter not connected", nil)
	}
	if out.Text == "" {
		return channels.ErrInvalidInput("empty message", nil)
	}

	chunks := channels.SplitMessage(out.Text, maxMessageLength)
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}

		var err error
		first := i == 0
		last := i == len(chunks)-1

		if (first && out.ReplyToID != "") || (last && len(out.Buttons) > 0) {
			send := &discordgo.MessageSend{Content: chunk}
			if first && out.ReplyToID != "" {
				send.Reference = &discordgo.MessageReference{
					MessageID: out.ReplyToID,
					ChannelID: target,
				}
			}
			if last && len(out.Buttons) > 0 {
				send.Components = []discordgo.MessageComponent{actionsRow(out.Buttons)}
			}
			_, err = session.ChannelMessageSendComplex(target, send)
		} else {
			_, err = session.ChannelMessageSend(target, chunk)
		}

		if err != nil {
			a.logger.Error("failed to send message", "error", err, "channel_id", target)
			if isRateLimitError(err) {
				return channels.ErrRateLimit("discord rate limit exceeded", err)
			}
			return channels.ErrInternal("failed to send message", err)
		}
	}

	return nil
}

// WaitForReply blocks until the user's next message in the channel.
func (a *Adapter) WaitForReply(ctx context.Context, target, fromUserID string, timeout time.Duration) (string, error) {
	return a.replies.Wait(ctx, target, fromUserID, timeout)
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

func actionsRow(buttons []channels.Button) discordgo.ActionsRow {
	components := make([]discordgo.MessageComponent, 0, len(buttons))
	for _, b := range buttons {
		components = append(components, discordgo.Button{
			Label:    b.Label,
			Style:    discordgo.PrimaryButton,
			CustomID: b.Data,
		})
	}
	return discordgo.ActionsRow{Components: components}
}

func senderAllowed(allowed []string, author *discordgo.User) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, entry := range allowed {
		if entry == author.ID || entry == author.Username {
			return true
		}
	}
	return false
}

func attachmentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "document"
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "429") ||
		strings.Contains(s, "Too Many Requests")
}
