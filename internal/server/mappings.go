package server

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
)

const shortIDLength = 8

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}

func ChatToLine(chat models.Chat, active bool) string {
	var b strings.Builder

	marker := " "
	if active {
		marker = ">"
	}
	fmt.Fprintf(&b, "%s %s %-20s %-7s", marker, shortID(chat.ID), chat.Name, chat.Type)

	var flags []string
	if chat.IsPinned {
		flags = append(flags, "pinned")
	}
	if chat.IsMuted {
		flags = append(flags, "muted")
	}
	if chat.UnreadCount > 0 {
		flags = append(flags, fmt.Sprintf("%d unread", chat.UnreadCount))
	}
	if len(chat.IsTyping) > 0 {
		flags = append(flags, "typing")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(flags, ", "))
	}
	if chat.LastMessage != nil {
		fmt.Fprintf(&b, " %q", preview(chat.LastMessage.Content))
	}
	return b.String()
}

func MessageToLine(msg models.Message, loc *time.Location) string {
	line := fmt.Sprintf("%s %s %s: %s (%s)",
		shortID(msg.ID),
		msg.Timestamp.In(loc).Format("15:04"),
		shortID(msg.SenderID),
		msg.Content,
		msg.Status,
	)
	if msg.ReplyTo != "" {
		line += " reply to " + shortID(msg.ReplyTo)
	}
	if msg.Edited {
		line += " edited"
	}
	return line
}

func UserToLine(user models.User, loc *time.Location) string {
	presence := "online"
	if !user.IsOnline {
		presence = "last seen " + user.LastSeen.In(loc).Format("02 Jan 15:04")
	}
	return fmt.Sprintf("@%-16s %-24s %s", user.Username, user.DisplayName, presence)
}

func DayHeader(day time.Time) string {
	return "-- " + day.Format("Mon, 02 Jan 2006") + " --"
}

func SearchResultToLine(result models.SearchResult, loc *time.Location) string {
	switch result.Type {
	case models.SearchChat:
		return fmt.Sprintf("chat    %3d %s %s", result.Relevance, shortID(result.Chat.ID), result.Chat.Name)
	case models.SearchUser:
		return fmt.Sprintf("user    %3d @%s %s", result.Relevance, result.User.Username, result.User.DisplayName)
	default:
		return fmt.Sprintf("message %3d %s", result.Relevance, MessageToLine(*result.Message, loc))
	}
}

// detectType marks messages made only of symbols and emoji as emoji.
func detectType(text string) models.MessageType {
	hasEmoji := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r):
			return models.MessageText
		case r > unicode.MaxLatin1:
			hasEmoji = true
		}
	}
	if hasEmoji {
		return models.MessageEmoji
	}
	return models.MessageText
}

func preview(text string) string {
	const limit = 32
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
