// Package telegram implements the Telegram channel adapter using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/owliabot/owlia/internal/channels"
	"github.com/owliabot/owlia/pkg/models"
)

const maxMessageLength = 4096

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// AllowedUsers restricts inbound processing to these user IDs or
	// usernames. Empty means every user is accepted.
	AllowedUsers []string

	// GroupMentionOnly makes the adapter ignore group messages that do not
	// mention the bot or reply to one of its messages.
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
		c.RateLimit = 30 // Telegram allows ~30 messages per second
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	config   Config
	bot      *bot.Bot
	messages chan *models.Message
	replies  *channels.ReplyWaiter
	limiter  *channels.RateLimiter
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	botID       int64
	botUsername string
}

// NewAdapter creates a Telegram adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:   config,
		messages: make(chan *models.Message, 100),
		replies:  channels.NewReplyWaiter(),
		limiter:  channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:   config.Logger.With("adapter", "telegram"),
	}, nil
}

func (a *Adapter) ID() string { return string(models.ChannelTelegram) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		Reactions:        false,
		Threads:          false,
		Buttons:          true,
		Markdown:         true,
		MaxMessageLength: maxMessageLength,
	}
}

// Start authenticates with Telegram and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting telegram adapter", "rate_limit", a.config.RateLimit)

	b, err := bot.New(a.config.Token)
	if err != nil {
		return channels.ErrAuth("failed to create bot", err)
	}
	a.bot = b

	me, err := b.GetMe(ctx)
	if err != nil {
		return channels.ErrAuth("getMe failed", err)
	}
	a.mu.Lock()
	a.botID = me.ID
	a.botUsername = me.Username
	a.mu.Unlock()

	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.messages)
		b.Start(ctx)
		a.logger.Info("telegram polling stopped")
	}()

	a.logger.Info("telegram adapter started", "bot", me.Username)
	return nil
}

// Stop shuts the adapter down, honoring the context deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping telegram adapter")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("stop timed out", ctx.Err())
	}
}

// handleMessage filters, converts, and routes one inbound update.
func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.From.IsBot {
		return
	}

	if !senderAllowed(a.config.AllowedUsers, m.From) {
		a.logger.Debug("dropping message from unauthorized user",
			"user_id", m.From.ID, "username", m.From.Username)
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	userID := strconv.FormatInt(m.From.ID, 10)

	// A pending confirmation wait consumes the user's next message.
	if a.replies.Deliver(chatID, userID, m.Text) {
		return
	}

	if !a.shouldProcess(m) {
		return
	}

	msg := a.convertMessage(m)

	select {
	case a.messages <- msg:
	case <-ctx.Done():
	default:
		a.logger.Warn("messages channel full, dropping message", "chat_id", m.Chat.ID)
	}
}

// shouldProcess applies the group mention-only rule. Group and supergroup
// chat IDs are negative.
func (a *Adapter) shouldProcess(m *tgmodels.Message) bool {
	if m.Chat.ID >= 0 || !a.config.GroupMentionOnly {
		return true
	}

	a.mu.RLock()
	botID, username := a.botID, a.botUsername
	a.mu.RUnlock()

	if username != "" && strings.Contains(m.Text, "@"+username) {
		return true
	}
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == botID {
		return true
	}
	return false
}

func (a *Adapter) convertMessage(m *tgmodels.Message) *models.Message {
	a.mu.RLock()
	username := a.botUsername
	a.mu.RUnlock()

	content := m.Text
	if username != "" {
		content = strings.TrimSpace(strings.ReplaceAll(content, "@"+username, ""))
	}

	msg := &models.Message{
		ID:         fmt.Sprintf("tg_%d", m.ID),
		Channel:    models.ChannelTelegram,
		ChannelID:  strconv.FormatInt(m.Chat.ID, 10),
		SenderID:   strconv.FormatInt(m.From.ID, 10),
		SenderName: strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		Direction:  models.DirectionInbound,
		Role:       models.RoleUser,
		Content:    content,
		Metadata: map[string]any{
			"message_id": m.ID,
			"chat_id":    m.Chat.ID,
			"username":   m.From.Username,
		},
		CreatedAt: time.Unix(int64(m.Date), 0),
	}

	var attachments []models.Attachment
	if len(m.Photo) > 0 {
		attachments = append(attachments, models.Attachment{
			ID:   m.Photo[0].FileID,
			Type: "image",
			URL:  m.Photo[0].FileID,
		})
	}
	if m.Document != nil {
		attachments = append(attachments, models.Attachment{
			ID:       m.Document.FileID,
			Type:     "document",
			URL:      m.Document.FileID,
			Filename: m.Document.FileName,
			MimeType: m.Document.MimeType,
		})
	}
	if m.Voice != nil {
		attachments = append(attachments, models.Attachment{
			ID:       m.Voice.FileID,
			Type:     "voice",
			URL:      m.Voice.FileID,
			MimeType: m.Voice.MimeType,
		})
	}
	if len(attachments) > 0 {
		msg.Attachments = attachments
	}

	return msg
}

// Send delivers outgoing content to a chat, splitting overlong text.
func (a *Adapter) Send(ctx context.Context, target string, out channels.Outgoing) error {
	if a.bot == nil {
		return channels.ErrUnavailable("adapter not started", nil)
	}
	if out.Text == "" {
		return channels.ErrInvalidInput("empty message", nil)
	}

	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return channels.ErrInvalidInput("invalid chat id", err)
	}

	chunks := channels.SplitMessage(out.Text, maxMessageLength)
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}

		params := &bot.SendMessageParams{
			ChatID: chatID,
			Text:   chunk,
		}
		if i == 0 && out.ReplyToID != "" {
			if mid, err := strconv.Atoi(out.ReplyToID); err == nil {
				params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: mid}
			}
		}
		if i == len(chunks)-1 && len(out.Buttons) > 0 {
			params.ReplyMarkup = inlineKeyboard(out.Buttons)
		}

		if _, err := a.bot.SendMessage(ctx, params); err != nil {
			a.logger.Error("failed to send message", "error", err, "chat_id", chatID)
			if isRateLimitError(err) {
				return channels.ErrRateLimit("telegram rate limit exceeded", err)
			}
			return channels.ErrInternal("failed to send message", err)
		}
	}

	return nil
}

// WaitForReply blocks until the user's next message in the chat.
func (a *Adapter) WaitForReply(ctx context.Context, target, fromUserID string, timeout time.Duration) (string, error) {
	return a.replies.Wait(ctx, target, fromUserID, timeout)
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

func inlineKeyboard(buttons []channels.Button) *tgmodels.InlineKeyboardMarkup {
	row := make([]tgmodels.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgmodels.InlineKeyboardButton{
			Text:         b.Label,
			CallbackData: b.Data,
		})
	}
	return &tgmodels.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgmodels.InlineKeyboardButton{row},
	}
}

func senderAllowed(allowed []string, from *tgmodels.User) bool {
	if len(allowed) == 0 {
		return true
	}
	id := strconv.FormatInt(from.ID, 10)
	for _, entry := range allowed {
		if entry == id {
			return true
		}
		if from.Username != "" && strings.TrimPrefix(entry, "@") == from.Username {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429")
}
