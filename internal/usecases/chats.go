package usecases

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
	"golang.org/x/time/rate"
)

const (
	defaultGroupName  = "Group Chat"
	unknownPeerName   = "Unknown User"
	typingTaskPrefix  = "typing:"
	typingSwitchTask  = "typing-switch:"
	typingLimiterIdle = 10 * time.Minute
)

type ChatsUsecase struct {
	Deps
	limiter *typingLimiter
}

func NewChatsUsecase(d Deps) *ChatsUsecase {
	return &ChatsUsecase{
		Deps:    d,
		limiter: newTypingLimiter(d.Config.TypingEventsPerMinute),
	}
}

// CreateChat builds a chat of the principal and the requested participants.
// For a direct chat that already exists the existing id is returned.
func (u *ChatsUsecase) CreateChat(ctx context.Context, req models.ChatCreate) (id string, err error) {
	if err := checkInput(u.Validate, req); err != nil {
		return "", err
	}
	if req.Type == "" {
		req.Type = models.ChatDirect
	}

	err = u.Store.Dispatch(ctx, "create-chat", func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}

		participants := []string{principal.ID}
		for _, p := range req.Participants {
			if !slices.Contains(participants, p) {
				participants = append(participants, p)
			}
		}
		others := participants[1:]

		name := strings.TrimSpace(req.Name)
		switch req.Type {
		case models.ChatDirect:
			if len(others) == 0 {
				return ErrEmptyParticipants
			}
			if len(others) != 1 {
				return fmt.Errorf("%w: direct chat must have exactly two members", ErrBusinessLogicViolation)
			}
			if existing := findDirect(st, principal.ID, others[0]); existing != nil {
				id = existing.ID
				return nil
			}
			if name == "" {
				name = unknownPeerName
				if peer, ok := st.Users[others[0]]; ok {
					name = peer.DisplayName
				}
			}
		default:
			if len(others) == 0 && name == "" {
				return ErrEmptyParticipants
			}
			if name == "" {
				name = defaultGroupName
			}
		}

		now := u.now()
		chat := &models.Chat{
			ID:           uuid.NewString(),
			Name:         name,
			Type:         req.Type,
			Participants: participants,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := u.Validate.Struct(chat); err != nil {
			return fmt.Errorf("%w: %v", ErrBusinessLogicViolation, err)
		}

		st.PutChat(chat)
		st.Touch(state.DirtyChats)
		st.Emit(&models.ChatCreated{
			UpdateMeta: models.UpdateMeta{
				Timestamp: now,
				Audience:  slices.Clone(participants),
			},
			ChatID:  chat.ID,
			Type:    chat.Type,
			Name:    chat.Name,
			Members: slices.Clone(participants),
		})
		id = chat.ID
		return nil
	})
	return
}

// FindDirectChat returns nil without error when the principal has no
// direct chat with otherUserId.
func (u *ChatsUsecase) FindDirectChat(ctx context.Context, otherUserId string) (*models.Chat, error) {
	var chat *models.Chat
	err := u.Store.View(ctx, func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}
		if found := findDirect(st, principal.ID, otherUserId); found != nil {
			chat = found.Clone()
		}
		return nil
	})
	return chat, err
}

// SetActive switches the viewed chat. An empty id closes the view. The
// principal's typing mark in the chat left behind is dropped after a grace
// period.
func (u *ChatsUsecase) SetActive(ctx context.Context, chatId string) error {
	var prev, principalId string
	err := u.Store.Dispatch(ctx, "set-active", func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}
		if chatId != "" {
			if _, err := requireMember(st, chatId); err != nil {
				return err
			}
		}
		prev, principalId = st.ActiveChat, principal.ID
		st.ActiveChat = chatId
		return nil
	})
	if err != nil {
		return err
	}

	if chatId != "" {
		u.Scheduler.Cancel(typingSwitchTask + chatId)
	}
	if prev != "" && prev != chatId {
		task := typingSwitchTask + prev
		u.Scheduler.After(task, u.Config.TypingSwitchGrace, func(ctx context.Context) {
			logTaskError(u.Logger, task, u.SetTyping(ctx, prev, principalId, false))
		})
	}
	return nil
}

func (u *ChatsUsecase) ActiveChat(ctx context.Context) (string, error) {
	var active string
	err := u.Store.View(ctx, func(st *state.State) error {
		active = st.ActiveChat
		return nil
	})
	return active, err
}

// MarkRead moves every inbound unread message of the chat to read and
// returns how many changed. Repeated calls change nothing.
func (u *ChatsUsecase) MarkRead(ctx context.Context, chatId string) (count int, err error) {
	err = u.Store.Dispatch(ctx, "mark-read", func(st *state.State) error {
		count = 0
		chat, err := requireMember(st, chatId)
		if err != nil {
			return err
		}

		now := u.now()
		viewer := st.ViewerID()
		for _, msg := range st.Messages[chatId] {
			if msg.SenderID == viewer || msg.Status == models.StatusRead {
				continue
			}
			if err := advance(st, msg.ID, models.StatusRead, now); err != nil {
				return err
			}
			count++
		}
		recount(st, chatId)

		if count > 0 {
			st.Emit(&models.ChatRead{
				UpdateMeta: models.UpdateMeta{
					Timestamp: now,
					Audience:  slices.Clone(chat.Participants),
				},
				ChatID: chatId,
				Reader: viewer,
				Count:  count,
			})
		}
		return nil
	})
	return
}

func (u *ChatsUsecase) SetPinned(ctx context.Context, chatId string, pinned bool) error {
	return u.Store.Dispatch(ctx, "set-pinned", func(st *state.State) error {
		chat, err := requireMember(st, chatId)
		if err != nil {
			return err
		}
		if chat.IsPinned != pinned {
			chat, _ = st.EditChat(chatId)
			chat.IsPinned = pinned
			st.Touch(state.DirtyChats)
		}
		return nil
	})
}

func (u *ChatsUsecase) SetMuted(ctx context.Context, chatId string, muted bool) error {
	return u.Store.Dispatch(ctx, "set-muted", func(st *state.State) error {
		chat, err := requireMember(st, chatId)
		if err != nil {
			return err
		}
		if chat.IsMuted != muted {
			chat, _ = st.EditChat(chatId)
			chat.IsMuted = muted
			st.Touch(state.DirtyChats)
		}
		return nil
	})
}

// SetTyping adds or removes userId from the chat's typing set. A typing mark
// expires after the typing timeout unless refreshed.
func (u *ChatsUsecase) SetTyping(ctx context.Context, chatId, userId string, typing bool) error {
	return u.setTyping(ctx, chatId, userId, typing, false)
}

// StartTyping marks the principal as typing. Refreshes of an existing mark
// are broadcast at a limited rate per chat.
func (u *ChatsUsecase) StartTyping(ctx context.Context, chatId string) error {
	principalId, err := u.principalID(ctx)
	if err != nil {
		return err
	}
	return u.setTyping(ctx, chatId, principalId, true, u.limiter.Allow(chatId))
}

func (u *ChatsUsecase) StopTyping(ctx context.Context, chatId string) error {
	principalId, err := u.principalID(ctx)
	if err != nil {
		return err
	}
	return u.setTyping(ctx, chatId, principalId, false, false)
}

func (u *ChatsUsecase) setTyping(ctx context.Context, chatId, userId string, typing, broadcastRefresh bool) error {
	err := u.Store.Dispatch(ctx, "set-typing", func(st *state.State) error {
		chat, err := requireChat(st, chatId)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(userId) {
			return ErrUserIsNotAChatMember
		}

		changed := setTypingMember(st, chatId, userId, typing)
		if changed || (typing && broadcastRefresh) {
			st.Emit(&models.TypingChanged{
				UpdateMeta: models.UpdateMeta{
					Timestamp: u.now(),
					Audience:  slices.Clone(chat.Participants),
				},
				ChatID: chatId,
				UserID: userId,
				Typing: typing,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	task := typingTaskPrefix + chatId + ":" + userId
	if !typing {
		u.Scheduler.Cancel(task)
		return nil
	}
	u.Scheduler.After(task, u.Config.TypingTimeout, func(ctx context.Context) {
		logTaskError(u.Logger, task, u.setTyping(ctx, chatId, userId, false, false))
	})
	return nil
}

// ListChats returns the principal's chats, pinned first and then by
// latest activity.
func (u *ChatsUsecase) ListChats(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := u.Store.View(ctx, func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}
		for _, chat := range visibleChats(st, principal.ID) {
			chats = append(chats, *chat.Clone())
		}
		return nil
	})
	return chats, err
}

// SearchChats matches the chat name or any participant's username or
// display name, ignoring case.
func (u *ChatsUsecase) SearchChats(ctx context.Context, query string) ([]models.Chat, error) {
	var chats []models.Chat
	err := u.Store.View(ctx, func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}
		for _, chat := range matchChats(st, principal.ID, query) {
			chats = append(chats, *chat.Clone())
		}
		return nil
	})
	return chats, err
}

func (u *ChatsUsecase) SetTheme(ctx context.Context, theme models.Theme) error {
	if !theme.Valid() {
		return fmt.Errorf("%w: unknown theme %q", ErrInvalidInput, theme)
	}
	return u.Store.Dispatch(ctx, "set-theme", func(st *state.State) error {
		if st.Theme != theme {
			st.Theme = theme
			st.Touch(state.DirtyTheme)
		}
		return nil
	})
}

func (u *ChatsUsecase) Theme(ctx context.Context) (models.Theme, error) {
	var theme models.Theme
	err := u.Store.View(ctx, func(st *state.State) error {
		theme = st.Theme
		return nil
	})
	return theme, err
}

func (u *ChatsUsecase) principalID(ctx context.Context) (string, error) {
	var id string
	err := u.Store.View(ctx, func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}
		id = principal.ID
		return nil
	})
	return id, err
}

func matchChats(st *state.State, viewer, query string) []*models.Chat {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var out []*models.Chat
	for _, chat := range visibleChats(st, viewer) {
		if chatMatches(st, chat, viewer, query) {
			out = append(out, chat)
		}
	}
	return out
}

// chatMatches ignores the viewer's own names, which every visible chat has.
func chatMatches(st *state.State, chat *models.Chat, viewer, query string) bool {
	if strings.Contains(strings.ToLower(chat.Name), query) {
		return true
	}
	for _, p := range chat.Participants {
		if p == viewer {
			continue
		}
		if user, ok := st.Users[p]; ok {
			if strings.Contains(strings.ToLower(user.Username), query) ||
				strings.Contains(strings.ToLower(user.DisplayName), query) {
				return true
			}
		}
	}
	return false
}

// typingLimiter keeps one rate limiter per chat and forgets idle ones.
type typingLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newTypingLimiter(perMinute int) *typingLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &typingLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    1,
		limiters: map[string]*limiterEntry{},
	}
}

func (l *typingLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > typingLimiterIdle {
			delete(l.limiters, k)
		}
	}

	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
