package models

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// NewValidator returns a validator with the domain tags and struct rules registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(chatStructLevel, Chat{})
	return v
}

func chatStructLevel(sl validator.StructLevel) {
	chat := sl.Current().Interface().(Chat)
	if chat.Type == ChatDirect && len(chat.Participants) != 2 {
		sl.ReportError(chat.Participants, "Participants", "participants", "direct_pair", "")
	}
	if chat.LastMessage != nil && chat.LastMessage.ChatID != chat.ID {
		sl.ReportError(chat.LastMessage.ChatID, "LastMessage", "lastMessage", "same_chat", "")
	}
}
