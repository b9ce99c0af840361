package models

import (
	"slices"
	"time"
)

type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

type Chat struct {
	ID           string    `json:"id" validate:"required"`
	Name         string    `json:"name"`
	Type         ChatType  `json:"type" validate:"oneof=direct group channel"`
	Participants []string  `json:"participants" validate:"min=1,unique,dive,required"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount" validate:"gte=0"`
	Avatar       string    `json:"avatar,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	IsTyping     []string  `json:"isTyping,omitempty"`
	IsPinned     bool      `json:"isPinned"`
	IsMuted      bool      `json:"isMuted"`
}

// ActivityAt is the later of the last message time and UpdatedAt.
func (c *Chat) ActivityAt() time.Time {
	if c.LastMessage != nil && c.LastMessage.Timestamp.After(c.UpdatedAt) {
		return c.LastMessage.Timestamp
	}
	return c.UpdatedAt
}

func (c *Chat) HasParticipant(userId string) bool {
	return slices.Contains(c.Participants, userId)
}

func (c *Chat) IsUserTyping(userId string) bool {
	return slices.Contains(c.IsTyping, userId)
}

func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	cp.IsTyping = slices.Clone(c.IsTyping)
	if c.LastMessage != nil {
		cp.LastMessage = c.LastMessage.Clone()
	}
	return &cp
}

type ChatCreate struct {
	Participants []string `validate:"dive,required"`
	Name         string
	Type         ChatType `validate:"omitempty,oneof=direct group channel"`
}
