// Package models holds the unified message types shared by channel
// adapters, the ingestion pipeline, and the scheduler delivery path.
package models

import "time"

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram   ChannelType = "telegram"
	ChannelWhatsApp   ChannelType = "whatsapp"
	ChannelSlack      ChannelType = "slack"
	ChannelDiscord    ChannelType = "discord"
	ChannelMattermost ChannelType = "mattermost"
	ChannelTeams      ChannelType = "teams"
	ChannelWeb        ChannelType = "web"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChatType classifies the conversation a message belongs to.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // image, audio, video, document
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the unified message format across all channels.
type Message struct {
	ID          string       `json:"id"`
	Channel     ChannelType  `json:"channel"`
	AccountID   string       `json:"account_id,omitempty"`
	ChatID      string       `json:"chat_id"`
	ChatType    ChatType     `json:"chat_type"`
	ThreadID    string       `json:"thread_id,omitempty"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name,omitempty"`
	SenderE164  string       `json:"sender_e164,omitempty"`
	Direction   Direction    `json:"direction"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// MessageIDs carries every platform message id merged into this
	// message by the debouncer; it always includes ID.
	MessageIDs []string       `json:"message_ids,omitempty"`
	GuildID    string         `json:"guild_id,omitempty"`
	TeamID     string         `json:"team_id,omitempty"`
	RoleIDs    []string       `json:"role_ids,omitempty"`
	Mentioned  bool           `json:"mentioned,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IsDirect reports whether the message arrived in a one-to-one chat.
func (m *Message) IsDirect() bool {
	return m.ChatType == ChatDirect
}

// AllMessageIDs returns the platform ids covered by this message.
func (m *Message) AllMessageIDs() []string {
	if len(m.MessageIDs) > 0 {
		return m.MessageIDs
	}
	if m.ID == "" {
		return nil
	}
	return []string{m.ID}
}
