package usecases

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/config"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SessionTestSuite struct {
	suite.Suite
	e *engine
}

func (s *SessionTestSuite) SetupTest() {
	s.e = newEngine(s.T(), testConfig())
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, &SessionTestSuite{})
}

func (s *SessionTestSuite) Test_RegisterOpensSession() {
	user := s.e.register("alice", "Alice Smith")

	assert.NotEmpty(s.T(), user.ID)
	assert.True(s.T(), user.IsOnline)
	assert.Equal(s.T(), "Hello! I am using Msgram.", user.Bio)
	assert.Equal(s.T(), "alice@msgram.app", user.Email)
	assert.Equal(s.T(), "https://api.dicebear.com/7.x/initials/svg?seed=Alice+Smith", user.Avatar)

	current, err := s.e.session.CurrentUser(context.Background())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), user.ID, current.ID)
	assert.True(s.T(), s.e.sched.Scheduled(heartbeatTask), "heartbeat should be scheduled")
}

func (s *SessionTestSuite) Test_RegisterTakenUsername() {
	first := s.e.register("alice", "Alice")

	_, err := s.e.session.Register(context.Background(), models.UserRegister{
		Username:    "alice",
		Password:    "pw2",
		DisplayName: "Alice2",
	})
	assert.ErrorIs(s.T(), err, ErrUsernameTaken)

	users := s.e.snapshot().Users
	require.Len(s.T(), users, 1, "directory should keep only the first alice")
	assert.Equal(s.T(), "Alice", users[first.ID].DisplayName)
}

func (s *SessionTestSuite) Test_RegisterInvalidInput() {
	_, err := s.e.session.Register(context.Background(), models.UserRegister{
		Username:    "a b",
		Password:    "pw",
		DisplayName: "A",
	})
	assert.ErrorIs(s.T(), err, ErrInvalidInput)
	assert.Empty(s.T(), s.e.snapshot().Users)
}

func (s *SessionTestSuite) Test_Authenticate() {
	s.e.register("alice", "Alice")
	require.NoError(s.T(), s.e.session.EndSession(context.Background()))

	_, err := s.e.session.Authenticate(context.Background(), "alice", "wrong")
	assert.ErrorIs(s.T(), err, ErrInvalidCredentials)

	_, err = s.e.session.Authenticate(context.Background(), "Alice", "alice-pw")
	assert.ErrorIs(s.T(), err, ErrInvalidCredentials, "username match should be case-sensitive")

	_, err = s.e.session.CurrentUser(context.Background())
	assert.ErrorIs(s.T(), err, ErrAuthenticationRequired, "failed login should not open a session")

	user := s.e.login("alice")
	assert.True(s.T(), user.IsOnline)
	assert.True(s.T(), s.e.snapshot().Users[user.ID].IsOnline)
}

func (s *SessionTestSuite) Test_EndSession() {
	user := s.e.register("alice", "Alice")

	require.NoError(s.T(), s.e.session.EndSession(context.Background()))
	require.NoError(s.T(), s.e.session.EndSession(context.Background()), "should be idempotent")

	st := s.e.snapshot()
	assert.Nil(s.T(), st.Principal)
	assert.False(s.T(), st.Users[user.ID].IsOnline)
	assert.Zero(s.T(), s.e.sched.Pending(), "session timers should be cleared")
}

func (s *SessionTestSuite) Test_LoginReplacesSession() {
	alice := s.e.register("alice", "Alice")
	bob := s.e.register("bob", "Bob")

	st := s.e.snapshot()
	assert.Equal(s.T(), bob.ID, st.Principal.ID)
	assert.False(s.T(), st.Users[alice.ID].IsOnline, "previous principal should go offline")
	assert.True(s.T(), st.Users[bob.ID].IsOnline)
}

func (s *SessionTestSuite) Test_Heartbeat() {
	user := s.e.register("alice", "Alice")
	before := s.e.snapshot().Users[user.ID].LastSeen

	s.e.clock.Advance(time.Minute)
	require.NoError(s.T(), s.e.session.Heartbeat(context.Background()))

	st := s.e.snapshot()
	assert.True(s.T(), st.Users[user.ID].LastSeen.After(before))
	assert.Equal(s.T(), st.Users[user.ID].LastSeen, st.Principal.LastSeen)

	require.NoError(s.T(), s.e.session.EndSession(context.Background()))
	assert.ErrorIs(s.T(), s.e.session.Heartbeat(context.Background()), ErrAuthenticationRequired)
}

func (s *SessionTestSuite) Test_HeartbeatRuns() {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	e := newEngine(s.T(), cfg)

	user := e.register("alice", "Alice")
	before := e.snapshot().Users[user.ID].LastSeen

	assert.Eventually(s.T(), func() bool {
		return e.snapshot().Users[user.ID].LastSeen.After(before)
	}, time.Second, 10*time.Millisecond, "heartbeat should re-stamp lastSeen")
}

func (s *SessionTestSuite) Test_BcryptPasswords() {
	cfg := testConfig()
	cfg.PasswordHashing = config.PasswordBcrypt
	e := newEngine(s.T(), cfg)

	user := e.register("alice", "Alice")
	stored := e.snapshot().Users[user.ID].Password
	assert.True(s.T(), strings.HasPrefix(stored, "$2"), "password should be hashed")

	require.NoError(s.T(), e.session.EndSession(context.Background()))
	e.login("alice")

	_, err := e.session.Authenticate(context.Background(), "alice", "nope")
	assert.ErrorIs(s.T(), err, ErrInvalidCredentials)
}

func (s *SessionTestSuite) Test_FindUserByUsername() {
	alice := s.e.register("alice", "Alice")

	found, err := s.e.session.FindUserByUsername(context.Background(), "ALICE")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), alice.ID, found.ID)

	_, err = s.e.session.FindUserByUsername(context.Background(), "carol")
	assert.ErrorIs(s.T(), err, ErrUserNotFound)
}

func (s *SessionTestSuite) Test_Restore() {
	alice := s.e.register("alice", "Alice")
	require.NoError(s.T(), s.e.session.EndSession(context.Background()))

	restored, err := s.e.session.Restore(context.Background(), alice)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), alice.ID, restored.ID)
	assert.True(s.T(), restored.IsOnline)

	_, err = s.e.session.Restore(context.Background(), &models.AuthUser{User: models.User{ID: "ghost"}})
	assert.ErrorIs(s.T(), err, ErrUserNotFound)
}

func (s *SessionTestSuite) Test_Directory() {
	s.e.register("bob", "Bob")
	s.e.register("alice", "Alice")

	users, err := s.e.session.Directory(context.Background())
	require.NoError(s.T(), err)
	require.Len(s.T(), users, 2)
	assert.Equal(s.T(), "Alice", users[0].DisplayName)
	assert.Equal(s.T(), "Bob", users[1].DisplayName)
}
