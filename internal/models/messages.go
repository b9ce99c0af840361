package models

import "time"

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

var statusOrder = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the lifecycle, or -1 for unknown values.
func (s MessageStatus) Rank() int {
	if r, ok := statusOrder[s]; ok {
		return r
	}
	return -1
}

func (s MessageStatus) Valid() bool {
	return s.Rank() >= 0
}

// Precedes reports whether s comes strictly before other in the lifecycle.
func (s MessageStatus) Precedes(other MessageStatus) bool {
	return s.Rank() < other.Rank()
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageEmoji MessageType = "emoji"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

type Message struct {
	ID        string        `json:"id" validate:"required"`
	SenderID  string        `json:"senderId" validate:"required"`
	ChatID    string        `json:"chatId" validate:"required"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp" validate:"required"`
	Type      MessageType   `json:"type" validate:"oneof=text emoji image file"`
	Status    MessageStatus `json:"status" validate:"oneof=sending sent delivered read"`
	ReplyTo   string        `json:"replyTo,omitempty"`
	Edited    bool          `json:"edited,omitempty"`
	EditedAt  *time.Time    `json:"editedAt,omitempty"`
}

func (m *Message) Clone() *Message {
	cp := *m
	if m.EditedAt != nil {
		at := *m.EditedAt
		cp.EditedAt = &at
	}
	return &cp
}

type MessageSend struct {
	ChatID  string      `validate:"required"`
	Content string      `validate:"required"`
	Type    MessageType `validate:"omitempty,oneof=text emoji image file"`
	ReplyTo string
}

// DayBucket holds the messages of one calendar day, Day being local midnight.
type DayBucket struct {
	Day      time.Time
	Messages []Message
}
