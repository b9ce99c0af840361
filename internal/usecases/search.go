package usecases

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
)

const (
	relevanceExact     = 100
	relevancePrefix    = 75
	relevanceSubstring = 50
	relevanceNamedHit  = 60
	relevanceTextHit   = 30
)

type SearchUsecase struct {
	Deps
}

func NewSearchUsecase(d Deps) *SearchUsecase {
	return &SearchUsecase{Deps: d}
}

// Search matches message content ignoring case across the principal's
// chats. Hits whose chat name or sender name equals the query come first,
// newer messages before older ones within each group. The sequence reads
// from the state as of the call and can be iterated any number of times.
func (u *SearchUsecase) Search(ctx context.Context, query string) (iter.Seq[models.Message], error) {
	snap, err := u.Store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := requirePrincipal(snap.State); err != nil {
		return nil, err
	}

	st := snap.State
	return func(yield func(models.Message) bool) {
		for _, hit := range searchMessages(st, query) {
			if !yield(*hit.msg) {
				return
			}
		}
	}, nil
}

// SearchAll combines matching chats, users and messages by relevance.
func (u *SearchUsecase) SearchAll(ctx context.Context, query string) ([]models.SearchResult, error) {
	var results []models.SearchResult
	err := u.Store.View(ctx, func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}

		q := strings.ToLower(strings.TrimSpace(query))
		if q == "" {
			return nil
		}

		for _, chat := range matchChats(st, principal.ID, q) {
			rel := nameRelevance(q, chat.Name)
			if rel == 0 {
				// matched through a participant
				rel = relevanceSubstring
			}
			results = append(results, models.SearchResult{
				Type:      models.SearchChat,
				Chat:      chat.Clone(),
				Relevance: rel,
			})
		}

		users := make([]*models.DirectoryEntry, 0, len(st.Users))
		for _, entry := range st.Users {
			users = append(users, entry)
		}
		slices.SortFunc(users, func(a, b *models.DirectoryEntry) int {
			return strings.Compare(a.ID, b.ID)
		})
		for _, entry := range users {
			if entry.ID == principal.ID {
				continue
			}
			rel := max(nameRelevance(q, entry.Username), nameRelevance(q, entry.DisplayName))
			if rel == 0 {
				continue
			}
			user := entry.User
			results = append(results, models.SearchResult{
				Type:      models.SearchUser,
				User:      &user,
				Relevance: rel,
			})
		}

		for _, hit := range searchMessages(st, q) {
			rel := relevanceTextHit
			if hit.named {
				rel = relevanceNamedHit
			}
			results = append(results, models.SearchResult{
				Type:      models.SearchMessage,
				Message:   hit.msg.Clone(),
				Relevance: rel,
			})
		}
		return nil
	})

	slices.SortStableFunc(results, func(a, b models.SearchResult) int {
		return b.Relevance - a.Relevance
	})
	return results, err
}

type messageHit struct {
	msg   *models.Message
	named bool
}

func searchMessages(st *state.State, query string) []messageHit {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || st.Principal == nil {
		return nil
	}

	var hits []messageHit
	for _, chat := range st.Chats {
		if !chat.HasParticipant(st.Principal.ID) {
			continue
		}
		chatNamed := strings.ToLower(chat.Name) == q
		for _, msg := range st.Messages[chat.ID] {
			if !strings.Contains(strings.ToLower(msg.Content), q) {
				continue
			}
			hits = append(hits, messageHit{
				msg:   msg,
				named: chatNamed || senderNamed(st, msg.SenderID, q),
			})
		}
	}

	slices.SortStableFunc(hits, func(a, b messageHit) int {
		if a.named != b.named {
			if a.named {
				return -1
			}
			return 1
		}
		if c := b.msg.Timestamp.Compare(a.msg.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.msg.ID, b.msg.ID)
	})
	return hits
}

func senderNamed(st *state.State, senderId, query string) bool {
	entry, ok := st.Users[senderId]
	if !ok {
		return false
	}
	return strings.ToLower(entry.Username) == query || strings.ToLower(entry.DisplayName) == query
}

func nameRelevance(query, name string) int {
	name = strings.ToLower(name)
	switch {
	case name == query:
		return relevanceExact
	case strings.HasPrefix(name, query):
		return relevancePrefix
	case strings.Contains(name, query):
		return relevanceSubstring
	}
	return 0
}
