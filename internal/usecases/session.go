package usecases

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/practice-sem-2/chat-sync-service/internal/config"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/observability"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
	"golang.org/x/crypto/bcrypt"
)

const (
	heartbeatTask = "session:heartbeat"
	defaultBio    = "Hello! I am using Msgram."
	avatarURL     = "https://api.dicebear.com/7.x/initials/svg?seed="
	emailDomain   = "msgram.app"
)

type SessionUsecase struct {
	Deps
}

func NewSessionUsecase(d Deps) *SessionUsecase {
	return &SessionUsecase{Deps: d}
}

// Authenticate opens a session for the directory entry matching both
// username and password exactly. An open session is ended first.
func (u *SessionUsecase) Authenticate(ctx context.Context, username, password string) (*models.AuthUser, error) {
	var (
		principal *models.AuthUser
		replaced  bool
	)
	err := u.Store.Dispatch(ctx, "authenticate", func(st *state.State) error {
		entry := findUser(st, username, false)
		if entry == nil || !checkPassword(entry.Password, password) {
			return ErrInvalidCredentials
		}

		now := u.now()
		replaced = endSession(st, now)
		principal = startSession(st, entry.ID, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	u.sessionStarted(principal, replaced)
	return principal, nil
}

// Register creates a directory entry and opens a session for it.
func (u *SessionUsecase) Register(ctx context.Context, req models.UserRegister) (*models.AuthUser, error) {
	if err := checkInput(u.Validate, req); err != nil {
		return nil, err
	}

	password, err := u.storedPassword(req.Password)
	if err != nil {
		return nil, err
	}

	var (
		principal *models.AuthUser
		replaced  bool
	)
	err = u.Store.Dispatch(ctx, "register", func(st *state.State) error {
		if findUser(st, req.Username, false) != nil {
			return fmt.Errorf("%w: %s", ErrUsernameTaken, req.Username)
		}

		now := u.now()
		entry := &models.DirectoryEntry{
			User: models.User{
				ID:          uuid.NewString(),
				Username:    req.Username,
				DisplayName: req.DisplayName,
				Avatar:      avatarURL + url.QueryEscape(req.DisplayName),
				LastSeen:    now,
				Bio:         defaultBio,
			},
			Password:  password,
			Email:     strings.ToLower(req.Username) + "@" + emailDomain,
			CreatedAt: now,
		}
		st.PutUser(entry)
		st.Touch(state.DirtyUsers)

		replaced = endSession(st, now)
		principal = startSession(st, entry.ID, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	u.sessionStarted(principal, replaced)
	return principal, nil
}

// Restore resumes a persisted session when its user is still in the directory.
func (u *SessionUsecase) Restore(ctx context.Context, saved *models.AuthUser) (*models.AuthUser, error) {
	if saved == nil {
		return nil, ErrAuthenticationRequired
	}

	var (
		principal *models.AuthUser
		replaced  bool
	)
	err := u.Store.Dispatch(ctx, "restore-session", func(st *state.State) error {
		entry, ok := st.Users[saved.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, saved.ID)
		}
		now := u.now()
		replaced = endSession(st, now)
		principal = startSession(st, entry.ID, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	u.sessionStarted(principal, replaced)
	return principal, nil
}

// EndSession marks the principal offline and clears the session. Calling it
// without a session does nothing.
func (u *SessionUsecase) EndSession(ctx context.Context) error {
	var ended bool
	err := u.Store.Dispatch(ctx, "end-session", func(st *state.State) error {
		ended = endSession(st, u.now())
		return nil
	})
	if err != nil {
		return err
	}

	u.Scheduler.CancelAll()
	if ended {
		observability.DecActiveSessions()
		u.Logger.Info("session ended")
	}
	return nil
}

// Heartbeat re-stamps the principal's presence.
func (u *SessionUsecase) Heartbeat(ctx context.Context) error {
	return u.Store.Dispatch(ctx, "heartbeat", func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}

		now := u.now()
		entry, ok := st.EditUser(principal.ID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, principal.ID)
		}

		wasOnline := entry.IsOnline
		entry.IsOnline = true
		entry.LastSeen = now
		principal.IsOnline = true
		principal.LastSeen = now
		st.Touch(state.DirtyUsers | state.DirtySession)

		if !wasOnline {
			emitPresence(st, entry, now)
		}
		return nil
	})
}

func (u *SessionUsecase) CurrentUser(ctx context.Context) (*models.AuthUser, error) {
	var principal *models.AuthUser
	err := u.Store.View(ctx, func(st *state.State) error {
		p, err := requirePrincipal(st)
		if err != nil {
			return err
		}
		cp := *p
		principal = &cp
		return nil
	})
	return principal, err
}

// FindUserByUsername looks a user up ignoring case.
func (u *SessionUsecase) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user *models.User
	err := u.Store.View(ctx, func(st *state.State) error {
		entry := findUser(st, username, true)
		if entry == nil {
			return fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		cp := entry.User
		user = &cp
		return nil
	})
	return user, err
}

// Directory lists all known users ordered by display name.
func (u *SessionUsecase) Directory(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := u.Store.View(ctx, func(st *state.State) error {
		users = make([]models.User, 0, len(st.Users))
		for _, entry := range st.Users {
			users = append(users, entry.User)
		}
		return nil
	})
	slices.SortFunc(users, func(a, b models.User) int {
		if c := strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return users, err
}

func (u *SessionUsecase) sessionStarted(principal *models.AuthUser, replaced bool) {
	u.Scheduler.CancelAll()
	u.Scheduler.Every(heartbeatTask, u.Config.HeartbeatInterval, func(ctx context.Context) {
		logTaskError(u.Logger, heartbeatTask, u.Heartbeat(ctx))
	})

	if !replaced {
		observability.IncActiveSessions()
	}
	u.Logger.
		WithField("user_id", principal.ID).
		WithField("username", principal.Username).
		Info("session started")
}

func (u *SessionUsecase) storedPassword(password string) (string, error) {
	if u.Config.PasswordHashing != config.PasswordBcrypt {
		return password, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// checkPassword accepts both the plain layout and bcrypt hashes.
func checkPassword(stored, given string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return stored == given
}

func isBcryptHash(s string) bool {
	return len(s) == 60 &&
		(strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

func findUser(st *state.State, username string, foldCase bool) *models.DirectoryEntry {
	for _, entry := range st.Users {
		if entry.Username == username || (foldCase && strings.EqualFold(entry.Username, username)) {
			return entry
		}
	}
	return nil
}

func startSession(st *state.State, userId string, now time.Time) *models.AuthUser {
	entry, _ := st.EditUser(userId)
	entry.IsOnline = true
	entry.LastSeen = now

	st.Principal = entry.AuthUser()
	st.ActiveChat = ""
	st.Touch(state.DirtyUsers | state.DirtySession)
	if recountAll(st) {
		st.Touch(state.DirtyChats)
	}
	emitPresence(st, entry, now)

	cp := *st.Principal
	return &cp
}

func endSession(st *state.State, now time.Time) bool {
	if st.Principal == nil {
		return false
	}

	principalId := st.Principal.ID
	if entry, ok := st.EditUser(principalId); ok {
		entry.IsOnline = false
		entry.LastSeen = now
		emitPresence(st, entry, now)
	}
	for _, chatId := range slices.Sorted(maps.Keys(st.Chats)) {
		if setTypingMember(st, chatId, principalId, false) {
			st.Emit(&models.TypingChanged{
				UpdateMeta: models.UpdateMeta{Timestamp: now, Audience: audience(st, chatId)},
				ChatID:     chatId,
				UserID:     principalId,
			})
		}
	}

	st.Principal = nil
	st.ActiveChat = ""
	st.Touch(state.DirtyUsers | state.DirtySession)
	return true
}

func emitPresence(st *state.State, entry *models.DirectoryEntry, now time.Time) {
	st.Emit(&models.PresenceChanged{
		UpdateMeta: models.UpdateMeta{
			Timestamp: now,
			Audience:  contacts(st, entry.ID),
		},
		UserID:   entry.ID,
		Online:   entry.IsOnline,
		LastSeen: entry.LastSeen,
	})
}
