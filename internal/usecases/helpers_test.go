package usecases

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/config"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/scheduler"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
	storage "github.com/practice-sem-2/chat-sync-service/internal/storages"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		DeliveryDelay:         time.Hour,
		HeartbeatInterval:     time.Hour,
		TypingTimeout:         time.Hour,
		TypingSwitchGrace:     time.Hour,
		TypingEventsPerMinute: 600,
		PasswordHashing:       config.PasswordPlain,
		Location:              time.UTC,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// engine wires every use case over an in-memory backend.
type engine struct {
	t         *testing.T
	kv        *storage.MemoryKV
	registry  *storage.DefaultRegistry
	store     *state.Store
	sched     *scheduler.Scheduler
	clock     *fakeClock
	session   *SessionUsecase
	chats     *ChatsUsecase
	messages  *MessagesUsecase
	search    *SearchUsecase
	persister *Persister
}

func newEngine(t *testing.T, cfg config.EngineConfig) *engine {
	return newEngineWith(t, cfg, storage.NewMemoryKV(), storage.NewPublisher(storage.PublisherConfig{}, testLogger()))
}

func newEngineWith(t *testing.T, cfg config.EngineConfig, kv *storage.MemoryKV, publisher storage.Publisher) *engine {
	logger := testLogger()
	validate := models.NewValidator()

	registry := storage.NewRegistry(kv, publisher, validate, storage.RegistryConfig{
		Records: &storage.RecordsStoreConfig{KeyPrefix: "test_"},
		Updates: &storage.UpdatesStoreConfig{UpdatesTopic: "chat-updates"},
	}, logger)

	store := state.NewStore(state.New(), logger)
	sched := scheduler.New(logger)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	persister := NewPersister(registry, store, validate, logger)
	store.OnCommit(persister.Hook)
	store.OnCommit(ObserveCommit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Run(ctx)
	}()
	t.Cleanup(func() {
		sched.Stop()
		cancel()
		<-done
	})

	deps := Deps{
		Store:     store,
		Scheduler: sched,
		Validate:  validate,
		Config:    cfg,
		Logger:    logger,
		Now:       clock.Now,
	}

	return &engine{
		t:         t,
		kv:        kv,
		registry:  registry,
		store:     store,
		sched:     sched,
		clock:     clock,
		session:   NewSessionUsecase(deps),
		chats:     NewChatsUsecase(deps),
		messages:  NewMessagesUsecase(deps),
		search:    NewSearchUsecase(deps),
		persister: persister,
	}
}

func (e *engine) register(username, displayName string) *models.AuthUser {
	user, err := e.session.Register(context.Background(), models.UserRegister{
		Username:    username,
		Password:    username + "-pw",
		DisplayName: displayName,
	})
	require.NoError(e.t, err)
	return user
}

func (e *engine) login(username string) *models.AuthUser {
	user, err := e.session.Authenticate(context.Background(), username, username+"-pw")
	require.NoError(e.t, err)
	return user
}

func (e *engine) snapshot() *state.State {
	snap, err := e.store.Current(context.Background())
	require.NoError(e.t, err)
	return snap.State
}

func (e *engine) chat(id string) models.Chat {
	chat, ok := e.snapshot().Chats[id]
	require.True(e.t, ok, "chat %s should exist", id)
	return *chat
}

// directChat registers alice and bob and opens their direct chat as alice.
func (e *engine) directChat() (alice, bob *models.AuthUser, chatId string) {
	alice = e.register("alice", "Alice")
	bob = e.register("bob", "Bob")
	e.login("alice")

	chatId, err := e.chats.CreateChat(context.Background(), models.ChatCreate{
		Participants: []string{bob.ID},
		Type:         models.ChatDirect,
	})
	require.NoError(e.t, err)
	return alice, bob, chatId
}
