package models

import "time"

const (
	UpdateChatCreated          = "chat_created"
	UpdateMessageSent          = "message_sent"
	UpdateMessageStatusChanged = "message_status_changed"
	UpdateMessageEdited        = "message_edited"
	UpdateChatRead             = "chat_read"
	UpdateTypingChanged        = "typing_changed"
	UpdatePresenceChanged      = "presence_changed"
)

// Update is a domain event emitted by a state mutation.
type Update interface {
	UpdateType() string
	UpdateKey() string
	Meta() UpdateMeta
}

type UpdateMeta struct {
	Timestamp time.Time `validate:"required"`
	Audience  []string
}

func (m UpdateMeta) Meta() UpdateMeta {
	return m
}

type ChatCreated struct {
	UpdateMeta
	ChatID  string   `validate:"required"`
	Type    ChatType `validate:"oneof=direct group channel"`
	Name    string
	Members []string `validate:"min=1"`
}

func (u *ChatCreated) UpdateType() string { return UpdateChatCreated }
func (u *ChatCreated) UpdateKey() string  { return u.ChatID }

type MessageSent struct {
	UpdateMeta
	MessageID string      `validate:"required"`
	FromUser  string      `validate:"required"`
	ChatID    string      `validate:"required"`
	Text      string      `validate:"required"`
	Type      MessageType `validate:"oneof=text emoji image file"`
	ReplyTo   string
}

func (u *MessageSent) UpdateType() string { return UpdateMessageSent }
func (u *MessageSent) UpdateKey() string  { return u.ChatID }

type MessageStatusChanged struct {
	UpdateMeta
	MessageID string        `validate:"required"`
	ChatID    string        `validate:"required"`
	From      MessageStatus `validate:"oneof=sending sent delivered read"`
	To        MessageStatus `validate:"oneof=sending sent delivered read"`
}

func (u *MessageStatusChanged) UpdateType() string { return UpdateMessageStatusChanged }
func (u *MessageStatusChanged) UpdateKey() string  { return u.ChatID }

type MessageEdited struct {
	UpdateMeta
	MessageID string    `validate:"required"`
	ChatID    string    `validate:"required"`
	Text      string    `validate:"required"`
	EditedAt  time.Time `validate:"required"`
}

func (u *MessageEdited) UpdateType() string { return UpdateMessageEdited }
func (u *MessageEdited) UpdateKey() string  { return u.ChatID }

type ChatRead struct {
	UpdateMeta
	ChatID string `validate:"required"`
	Reader string `validate:"required"`
	Count  int    `validate:"gte=0"`
}

func (u *ChatRead) UpdateType() string { return UpdateChatRead }
func (u *ChatRead) UpdateKey() string  { return u.ChatID }

type TypingChanged struct {
	UpdateMeta
	ChatID string `validate:"required"`
	UserID string `validate:"required"`
	Typing bool
}

func (u *TypingChanged) UpdateType() string { return UpdateTypingChanged }
func (u *TypingChanged) UpdateKey() string  { return u.ChatID }

type PresenceChanged struct {
	UpdateMeta
	UserID   string `validate:"required"`
	Online   bool
	LastSeen time.Time
}

func (u *PresenceChanged) UpdateType() string { return UpdatePresenceChanged }
func (u *PresenceChanged) UpdateKey() string  { return u.UserID }
