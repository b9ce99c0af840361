package usecases

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
)

func requirePrincipal(st *state.State) (*models.AuthUser, error) {
	if st.Principal == nil {
		return nil, ErrAuthenticationRequired
	}
	return st.Principal, nil
}

func requireChat(st *state.State, chatId string) (*models.Chat, error) {
	chat, ok := st.Chats[chatId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEmptyChat, chatId)
	}
	return chat, nil
}

// requireMember resolves a chat that is visible to the principal.
func requireMember(st *state.State, chatId string) (*models.Chat, error) {
	principal, err := requirePrincipal(st)
	if err != nil {
		return nil, err
	}
	chat, err := requireChat(st, chatId)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(principal.ID) {
		return nil, ErrUserIsNotAChatMember
	}
	return chat, nil
}

// recount derives unreadCount and lastMessage of a chat from its ledger.
// The chat record is only copied when the derived values change, and the
// result reports whether they did.
func recount(st *state.State, chatId string) bool {
	chat, ok := st.Chats[chatId]
	if !ok {
		return false
	}
	ledger := st.Messages[chatId]
	viewer := st.ViewerID()

	unread := 0
	for _, msg := range ledger {
		if msg.SenderID != viewer && msg.Status != models.StatusRead {
			unread++
		}
	}
	var last *models.Message
	if len(ledger) > 0 {
		last = ledger[len(ledger)-1]
	}

	if chat.UnreadCount == unread && sameMessage(chat.LastMessage, last) {
		return false
	}
	chat, _ = st.EditChat(chatId)
	chat.UnreadCount = unread
	chat.LastMessage = nil
	if last != nil {
		chat.LastMessage = last.Clone()
	}
	return true
}

func sameMessage(a, b *models.Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.Status == b.Status &&
		a.Content == b.Content &&
		a.Edited == b.Edited
}

func recountAll(st *state.State) bool {
	changed := false
	for _, id := range slices.Collect(maps.Keys(st.Chats)) {
		changed = recount(st, id) || changed
	}
	return changed
}

// advance moves the message forward in its lifecycle. Moving to the current
// status is a no-op.
func advance(st *state.State, messageId string, target models.MessageStatus, now time.Time) error {
	current, ok := st.Message(messageId)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageId)
	}
	if !target.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, target)
	}
	if target.Precedes(current.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, target)
	}
	if target == current.Status {
		return nil
	}

	msg, _ := st.EditMessage(messageId)
	from := msg.Status
	msg.Status = target
	recount(st, msg.ChatID)

	st.Touch(state.DirtyMessages | state.DirtyChats)
	st.Emit(&models.MessageStatusChanged{
		UpdateMeta: models.UpdateMeta{
			Timestamp: now,
			Audience:  audience(st, msg.ChatID),
		},
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		From:      from,
		To:        target,
	})
	return nil
}

// findDirect picks the direct chat between a and b. When stored data holds
// more than one, the oldest wins so the answer is stable.
func findDirect(st *state.State, a, b string) *models.Chat {
	var found *models.Chat
	for _, chat := range st.Chats {
		if chat.Type != models.ChatDirect || len(chat.Participants) != 2 {
			continue
		}
		if !chat.HasParticipant(a) || !chat.HasParticipant(b) || a == b {
			continue
		}
		if found == nil ||
			chat.CreatedAt.Before(found.CreatedAt) ||
			(chat.CreatedAt.Equal(found.CreatedAt) && chat.ID < found.ID) {
			found = chat
		}
	}
	return found
}

func audience(st *state.State, chatId string) []string {
	if chat, ok := st.Chats[chatId]; ok {
		return slices.Clone(chat.Participants)
	}
	return nil
}

// contacts lists every user sharing a chat with userId.
func contacts(st *state.State, userId string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, chat := range st.Chats {
		if !chat.HasParticipant(userId) {
			continue
		}
		for _, p := range chat.Participants {
			if _, ok := seen[p]; ok || p == userId {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// setTypingMember adds or removes userId from the chat's typing set and
// reports whether the set changed.
func setTypingMember(st *state.State, chatId, userId string, typing bool) bool {
	chat, ok := st.Chats[chatId]
	if !ok || chat.IsUserTyping(userId) == typing {
		return false
	}
	chat, _ = st.EditChat(chatId)
	if typing {
		chat.IsTyping = append(chat.IsTyping, userId)
	} else {
		chat.IsTyping = slices.DeleteFunc(chat.IsTyping, func(id string) bool { return id == userId })
	}
	return true
}

// chatOrder sorts pinned chats first, then by latest activity, then by id.
func chatOrder(a, b *models.Chat) int {
	if a.IsPinned != b.IsPinned {
		if a.IsPinned {
			return -1
		}
		return 1
	}
	if c := b.ActivityAt().Compare(a.ActivityAt()); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func visibleChats(st *state.State, viewer string) []*models.Chat {
	chats := make([]*models.Chat, 0, len(st.Chats))
	for _, chat := range st.Chats {
		if chat.HasParticipant(viewer) {
			chats = append(chats, chat)
		}
	}
	slices.SortStableFunc(chats, chatOrder)
	return chats
}
