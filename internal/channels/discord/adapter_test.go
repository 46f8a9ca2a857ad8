package discord

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/owliabot/owlia/internal/channels"
	"github.com/owliabot/owlia/pkg/models"
)

// fakeSession records calls instead of hitting the Discord API.
type fakeSession struct {
	mu      sync.Mutex
	opened  bool
	closed  bool
	sent    []string
	complex []*discordgo.MessageSend
	sendErr error
}

func (f *fakeSession) Open() error  { f.opened = true; return nil }
func (f *fakeSession) Close() error { f.closed = true; return nil }

func (f *fakeSession) AddHandler(handler interface{}) func() { return func() {} }

func (f *fakeSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, content)
	return &discordgo.Message{ID: "sent-1", ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.complex = append(f.complex, data)
	return &discordgo.Message{ID: "sent-2", ChannelID: channelID}, nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeSession) {
	t.Helper()
	a, err := NewAdapter(Config{Token: "test-token", RateLimit: 1000, RateBurst: 100})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	fake := &fakeSession{}
	a.session = fake
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a, fake
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty token should fail validation")
	}

	cfg = Config{Token: "abc"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.RateLimit != 5 || cfg.RateBurst != 10 {
		t.Errorf("defaults not applied: rate=%v burst=%d", cfg.RateLimit, cfg.RateBurst)
	}
}

func TestStartStop(t *testing.T) {
	a, fake := newTestAdapter(t)

	if !fake.opened {
		t.Error("Start did not open the session")
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("double Start should fail")
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !fake.closed {
		t.Error("Stop did not close the session")
	}
	// Stop on a stopped adapter is a no-op.
	if err := a.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSendPlainAndChunked(t *testing.T) {
	a, fake := newTestAdapter(t)

	if err := a.Send(context.Background(), "chan-1", channels.Outgoing{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.sent) != 1 || fake.sent[0] != "hello" {
		t.Errorf("sent = %v", fake.sent)
	}

	long := strings.Repeat("line of text\n", 400) // ~5200 bytes
	if err := a.Send(context.Background(), "chan-1", channels.Outgoing{Text: long}); err != nil {
		t.Fatalf("Send long: %v", err)
	}
	if len(fake.sent) < 3 {
		t.Errorf("long message sent as %d chunks, want >= 3", len(fake.sent))
	}
	for i, chunk := range fake.sent[1:] {
		if len(chunk) > maxMessageLength {
			t.Errorf("chunk %d is %d bytes, exceeds %d", i, len(chunk), maxMessageLength)
		}
	}
}

func TestSendWithButtonsAndReply(t *testing.T) {
	a, fake := newTestAdapter(t)

	out := channels.Outgoing{
		Text:      "confirm?",
		ReplyToID: "orig-1",
		Buttons:   []channels.Button{{Label: "Yes", Data: "yes"}},
	}
	if err := a.Send(context.Background(), "chan-1", out); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(fake.complex) != 1 {
		t.Fatalf("complex sends = %d, want 1", len(fake.complex))
	}
	send := fake.complex[0]
	if send.Reference == nil || send.Reference.MessageID != "orig-1" {
		t.Errorf("reply reference = %+v", send.Reference)
	}
	if len(send.Components) != 1 {
		t.Fatalf("components = %d, want 1", len(send.Components))
	}
	row, ok := send.Components[0].(discordgo.ActionsRow)
	if !ok {
		t.Fatalf("component type = %T", send.Components[0])
	}
	btn, ok := row.Components[0].(discordgo.Button)
	if !ok || btn.Label != "Yes" || btn.CustomID != "yes" {
		t.Errorf("button = %+v", row.Components[0])
	}
}

func TestSendNotConnected(t *testing.T) {
	a, err := NewAdapter(Config{Token: "test-token"})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	err = a.Send(context.Background(), "chan-1", channels.Outgoing{Text: "hi"})
	if channels.GetErrorCode(err) != channels.ErrCodeUnavailable {
		t.Errorf("Send = %v, want UNAVAILABLE", err)
	}
}

func TestHandleMessageCreateConverts(t *testing.T) {
	a, _ := newTestAdapter(t)

	a.handleMessageCreate(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "m1",
			ChannelID: "chan-9",
			Content:   "hello bot",
			Author:    &discordgo.User{ID: "u1", Username: "ada"},
			Attachments: []*discordgo.MessageAttachment{
				{ID: "att1", URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png", Size: 11},
			},
		},
	})

	select {
	case msg := <-a.Messages():
		if msg.Channel != models.ChannelDiscord || msg.ChannelID != "chan-9" {
			t.Errorf("channel fields = %s/%s", msg.Channel, msg.ChannelID)
		}
		if msg.SenderID != "u1" || msg.SenderName != "ada" {
			t.Errorf("sender fields = %s/%s", msg.SenderID, msg.SenderName)
		}
		if len(msg.Attachments) != 1 || msg.Attachments[0].Type != "image" {
			t.Errorf("attachments = %+v", msg.Attachments)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestHandleMessageCreateFilters(t *testing.T) {
	a, err := NewAdapter(Config{Token: "test-token", AllowedUsers: []string{"u1"}, GroupMentionOnly: true})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	a.botUserID = "bot-1"

	// Bot author dropped.
	a.handleMessageCreate(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{ID: "m1", ChannelID: "c", Content: "x", Author: &discordgo.User{ID: "b", Bot: true}},
	})
	// Unauthorized user dropped.
	a.handleMessageCreate(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{ID: "m2", ChannelID: "c", Content: "x", Author: &discordgo.User{ID: "u2"}},
	})
	// Guild message without mention dropped.
	a.handleMessageCreate(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{ID: "m3", ChannelID: "c", GuildID: "g", Content: "x", Author: &discordgo.User{ID: "u1"}},
	})

	select {
	case msg := <-a.Messages():
		t.Fatalf("filtered message leaked: %+v", msg)
	default:
	}

	// Guild message with mention passes, mention stripped.
	a.handleMessageCreate(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID: "m4", ChannelID: "c", GuildID: "g",
			Content:  "<@bot-1> status",
			Author:   &discordgo.User{ID: "u1"},
			Mentions: []*discordgo.User{{ID: "bot-1"}},
		},
	})

	select {
	case msg := <-a.Messages():
		if msg.Content != "status" {
			t.Errorf("Content = %q, mention not stripped", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("mentioned message never arrived")
	}
}

func TestHandleMessageCreateFeedsReplyWaiter(t *testing.T) {
	a, _ := newTestAdapter(t)

	result := make(chan string, 1)
	go func() {
		text, err := a.WaitForReply(context.Background(), "chan-1", "u1", 2*time.Second)
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- text
	}()
	time.Sleep(50 * time.Millisecond)

	a.handleMessageCreate(nil, &discordgo.MessageCreate{
		Message: &discordgo.Message{ID: "m1", ChannelID: "chan-1", Content: "yes", Author: &discordgo.User{ID: "u1"}},
	})

	select {
	case got := <-result:
		if got != "yes" {
			t.Errorf("WaitForReply = %q, want yes", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForReply never returned")
	}

	select {
	case msg := <-a.Messages():
		t.Errorf("consumed reply leaked to Messages(): %+v", msg)
	default:
	}
}
