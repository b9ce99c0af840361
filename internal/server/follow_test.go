package server

import (
	"bytes"
	"context"
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *ChatServerTestSuite) current() state.Snapshot {
	snap, err := s.store.Current(context.Background())
	require.NoError(s.T(), err)
	return snap
}

func (s *ChatServerTestSuite) Test_FollowPrintsChangesInOpenChat() {
	ctx := context.Background()
	bob, err := s.srv.session.Register(ctx, models.UserRegister{Username: "bob", Password: "pw", DisplayName: "Bob"})
	require.NoError(s.T(), err)
	alice, err := s.srv.session.Register(ctx, models.UserRegister{Username: "alice", Password: "pw", DisplayName: "Alice"})
	require.NoError(s.T(), err)

	chatId, err := s.srv.chats.CreateChat(ctx, models.ChatCreate{Type: models.ChatDirect, Participants: []string{bob.ID}})
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.srv.chats.SetActive(ctx, chatId))
	own, err := s.srv.messages.Send(ctx, models.MessageSend{ChatID: chatId, Content: "hi bob"})
	require.NoError(s.T(), err)

	snapshots := make(chan state.Snapshot, 2)
	snapshots <- s.current()

	require.NoError(s.T(), s.srv.chats.SetTyping(ctx, chatId, bob.ID, true))
	_, err = s.srv.messages.Append(ctx, chatId, bob.ID, "hey alice", models.MessageText)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.srv.messages.AdvanceStatus(ctx, own.ID, models.StatusDelivered))
	_, err = s.srv.messages.Append(ctx, chatId, alice.ID, "own echo", models.MessageText)
	require.NoError(s.T(), err)
	snapshots <- s.current()
	close(snapshots)

	var out bytes.Buffer
	require.NoError(s.T(), s.srv.Follow(ctx, snapshots, &out))

	text := out.String()
	assert.Contains(s.T(), text, "* Bob is typing...")
	assert.Contains(s.T(), text, "hey alice")
	assert.Contains(s.T(), text, shortID(own.ID)+" is now delivered")
	assert.NotContains(s.T(), text, "own echo", "the principal's own messages are not announced")
}

func (s *ChatServerTestSuite) Test_FollowIgnoresOtherChats() {
	ctx := context.Background()
	bob, err := s.srv.session.Register(ctx, models.UserRegister{Username: "bob", Password: "pw", DisplayName: "Bob"})
	require.NoError(s.T(), err)
	_, err = s.srv.session.Register(ctx, models.UserRegister{Username: "alice", Password: "pw", DisplayName: "Alice"})
	require.NoError(s.T(), err)

	chatId, err := s.srv.chats.CreateChat(ctx, models.ChatCreate{Type: models.ChatDirect, Participants: []string{bob.ID}})
	require.NoError(s.T(), err)
	group, err := s.srv.chats.CreateChat(ctx, models.ChatCreate{Type: models.ChatGroup, Name: "team", Participants: []string{bob.ID}})
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.srv.chats.SetActive(ctx, chatId))

	before := s.current()
	_, err = s.srv.messages.Append(ctx, group, bob.ID, "elsewhere", models.MessageText)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), Changes(before.State, s.current().State, time.UTC))

	require.NoError(s.T(), s.srv.chats.SetActive(ctx, group))
	assert.Empty(s.T(), Changes(before.State, s.current().State, time.UTC), "switching chats is not a change to announce")
}

func (s *ChatServerTestSuite) Test_FollowStopsWithContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.srv.Follow(ctx, make(chan state.Snapshot), &bytes.Buffer{})
	assert.ErrorIs(s.T(), err, context.Canceled)
}
