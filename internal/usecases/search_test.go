package usecases

import (
	"context"
	"testing"
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, e *engine, query string) []string {
	seq, err := e.search.Search(context.Background(), query)
	require.NoError(t, err)
	var out []string
	for msg := range seq {
		out = append(out, msg.Content)
	}
	return out
}

func TestSearch_Relevance(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()
	alice, bob, direct := e.directChat()

	group, err := e.chats.CreateChat(ctx, models.ChatCreate{Type: models.ChatGroup, Name: "Pizza"})
	require.NoError(t, err)

	_, err = e.messages.Append(ctx, direct, alice.ID, "pizza tonight?", models.MessageText)
	require.NoError(t, err)
	_, err = e.messages.Append(ctx, direct, bob.ID, "PIZZA again", models.MessageText)
	require.NoError(t, err)
	_, err = e.messages.Append(ctx, group, alice.ID, "pizza poll", models.MessageText)
	require.NoError(t, err)
	_, err = e.messages.Append(ctx, group, alice.ID, "unrelated", models.MessageText)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"pizza poll", "PIZZA again", "pizza tonight?"},
		collect(t, e, "pizza"),
		"chat name match first, then newest first")

	assert.Empty(t, collect(t, e, "bob"), "names only rank hits, the content must match")
}

func TestSearch_SenderNameRanksFirst(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()
	alice, bob, _ := e.directChat()
	team, err := e.chats.CreateChat(ctx, models.ChatCreate{
		Type:         models.ChatGroup,
		Name:         "team",
		Participants: []string{bob.ID},
	})
	require.NoError(t, err)

	_, err = e.messages.Append(ctx, team, bob.ID, "ask bob", models.MessageText)
	require.NoError(t, err)
	_, err = e.messages.Append(ctx, team, alice.ID, "bob said", models.MessageText)
	require.NoError(t, err)

	assert.Equal(t, []string{"ask bob", "bob said"}, collect(t, e, "Bob"))
}

func TestSearch_Restartable(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()
	alice, _, direct := e.directChat()

	for _, text := range []string{"one cat", "two cats", "no dogs"} {
		_, err := e.messages.Append(ctx, direct, alice.ID, text, models.MessageText)
		require.NoError(t, err)
	}

	seq, err := e.search.Search(ctx, "cat")
	require.NoError(t, err)

	var first, second []string
	for msg := range seq {
		first = append(first, msg.Content)
	}
	for msg := range seq {
		second = append(second, msg.Content)
		break
	}
	assert.Equal(t, []string{"two cats", "one cat"}, first)
	assert.Equal(t, []string{"two cats"}, second, "should restart and stop early")

	empty := collect(t, e, "   ")
	assert.Empty(t, empty)

	require.NoError(t, e.session.EndSession(ctx))
	_, err = e.search.Search(ctx, "cat")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestSearch_All(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()
	alice, _, direct := e.directChat()
	e.register("bobby", "Bobby Tables")
	e.login("alice")

	_, err := e.messages.Append(ctx, direct, alice.ID, "bob is late", models.MessageText)
	require.NoError(t, err)

	results, err := e.search.SearchAll(ctx, "bob")
	require.NoError(t, err)
	require.NotEmpty(t, results)

	kinds := map[models.SearchResultType]int{}
	for i, r := range results {
		kinds[r.Type]++
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Relevance, r.Relevance, "results should be sorted by relevance")
		}
	}
	assert.Equal(t, 1, kinds[models.SearchChat])
	assert.Equal(t, 2, kinds[models.SearchUser])
	assert.Equal(t, 1, kinds[models.SearchMessage])
	assert.Equal(t, relevanceExact, results[0].Relevance)

	var exactUser bool
	for _, r := range results {
		if r.Type == models.SearchUser && r.User.Username == "bob" {
			exactUser = r.Relevance == relevanceExact
		}
	}
	assert.True(t, exactUser, "exact username should rank as exact")
}

func TestGroupByDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	at := func(day, hour int) models.Message {
		return models.Message{ID: "m", Timestamp: time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC)}
	}

	buckets := GroupByDay([]models.Message{
		at(1, 10),
		at(1, 20), // 23:00 local, same day
		at(1, 22), // 01:00 local, next day
		at(2, 12),
		at(4, 9),
	}, loc)

	require.Len(t, buckets, 3)
	assert.Len(t, buckets[0].Messages, 2)
	assert.Len(t, buckets[1].Messages, 2)
	assert.Len(t, buckets[2].Messages, 1)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, loc), buckets[1].Day)

	assert.Empty(t, GroupByDay(nil, loc))
}
