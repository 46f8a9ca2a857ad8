package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelHTTP     ChannelType = "http"
	ChannelCLI      ChannelType = "cli"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Channel     ChannelType    `json:"channel"`
	ChannelID   string         `json:"channel_id"` // Platform-specific chat/thread ID
	SenderID    string         `json:"sender_id,omitempty"`
	SenderName  string         `json:"sender_name,omitempty"`
	Direction   Direction      `json:"direction"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a tool execution.
//
// Content carries the textual result fed back to the LLM. Data carries
// structured output (for example a transaction hash) used by auditing.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name,omitempty"`
	Content    string         `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Session represents a conversation thread.
//
// Key identifies the conversation across session resets; ID identifies the
// current transcript and is rotated by Rotate (the /new command). A session is
// never deleted, only rotated.
type Session struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	Channel   ChannelType    `json:"channel"`
	ChannelID string         `json:"channel_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionKey builds the canonical session key for a channel and a user or
// group identifier.
func SessionKey(channel ChannelType, userOrGroupID string) string {
	return string(channel) + ":" + userOrGroupID
}
