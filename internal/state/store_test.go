package state

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreTestSuite struct {
	suite.Suite
	store  *Store
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *StoreTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s.store = NewStore(New(), logger)
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.store.Run(ctx)
	}()
}

func (s *StoreTestSuite) TearDownTest() {
	s.cancel()
	s.wg.Wait()
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{})
}

func chat(id string) *models.Chat {
	return &models.Chat{ID: id, Type: models.ChatGroup, Participants: []string{"a"}}
}

func (s *StoreTestSuite) Test_DispatchCommits() {
	ctx := context.Background()

	err := s.store.Dispatch(ctx, "add", func(st *State) error {
		st.PutChat(chat("c1"))
		st.Touch(DirtyChats)
		return nil
	})
	require.NoError(s.T(), err)

	snap, err := s.store.Current(ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(1), snap.Version)
	assert.Contains(s.T(), snap.State.Chats, "c1")
}

func (s *StoreTestSuite) Test_FailedMutationLeavesNoTrace() {
	ctx := context.Background()

	err := s.store.Dispatch(ctx, "partial", func(st *State) error {
		st.PutChat(chat("c1"))
		return errors.New("rejected")
	})
	assert.EqualError(s.T(), err, "rejected")

	snap, err := s.store.Current(ctx)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), snap.State.Chats, "partial write should be discarded")
	assert.Equal(s.T(), uint64(0), snap.Version)
}

func (s *StoreTestSuite) Test_PanicBecomesError() {
	err := s.store.Dispatch(context.Background(), "explode", func(*State) error {
		panic("boom")
	})
	assert.ErrorIs(s.T(), err, ErrPanicked)

	err = s.store.Dispatch(context.Background(), "after", func(*State) error { return nil })
	assert.NoError(s.T(), err, "store should keep serving after a panic")
}

func (s *StoreTestSuite) Test_SnapshotsAreIsolated() {
	ctx := context.Background()
	require.NoError(s.T(), s.store.Dispatch(ctx, "add", func(st *State) error {
		st.PutChat(chat("c1"))
		return nil
	}))

	before, err := s.store.Current(ctx)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.store.Dispatch(ctx, "rename", func(st *State) error {
		c, ok := st.EditChat("c1")
		if !ok {
			return errors.New("chat is gone")
		}
		c.Name = "renamed"
		return nil
	}))

	after, err := s.store.Current(ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "renamed", after.State.Chats["c1"].Name)
	assert.Empty(s.T(), before.State.Chats["c1"].Name, "older snapshot should keep its version of the chat")
}

func (s *StoreTestSuite) Test_FailedEditLeavesRecordUntouched() {
	ctx := context.Background()
	require.NoError(s.T(), s.store.Dispatch(ctx, "add", func(st *State) error {
		st.PutChat(chat("c1"))
		st.InsertMessage(&models.Message{ID: "m1", ChatID: "c1", Status: models.StatusSent})
		return nil
	}))

	err := s.store.Dispatch(ctx, "half-done", func(st *State) error {
		msg, _ := st.EditMessage("m1")
		msg.Status = models.StatusRead
		c, _ := st.EditChat("c1")
		c.IsPinned = true
		st.InsertMessage(&models.Message{ID: "m2", ChatID: "c1"})
		return errors.New("rejected")
	})
	require.Error(s.T(), err)

	snap, err := s.store.Current(ctx)
	require.NoError(s.T(), err)
	msg, ok := snap.State.Message("m1")
	require.True(s.T(), ok)
	assert.Equal(s.T(), models.StatusSent, msg.Status)
	assert.False(s.T(), snap.State.Chats["c1"].IsPinned)
	assert.Len(s.T(), snap.State.Messages["c1"], 1)
	_, ok = snap.State.Message("m2")
	assert.False(s.T(), ok, "message of a failed mutation should not be found")
}

func (s *StoreTestSuite) Test_UntouchedRecordsAreShared() {
	ctx := context.Background()
	require.NoError(s.T(), s.store.Dispatch(ctx, "seed", func(st *State) error {
		st.PutChat(chat("c1"))
		st.PutChat(chat("c2"))
		st.InsertMessage(&models.Message{ID: "m1", ChatID: "c1"})
		st.InsertMessage(&models.Message{ID: "m2", ChatID: "c2"})
		return nil
	}))
	before, err := s.store.Current(ctx)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.store.Dispatch(ctx, "touch-c2", func(st *State) error {
		c, _ := st.EditChat("c2")
		c.IsMuted = true
		st.InsertMessage(&models.Message{ID: "m3", ChatID: "c2", Timestamp: time.Unix(1, 0)})
		return nil
	}))
	after, err := s.store.Current(ctx)
	require.NoError(s.T(), err)

	assert.Same(s.T(), before.State.Chats["c1"], after.State.Chats["c1"], "untouched chat should be shared")
	assert.NotSame(s.T(), before.State.Chats["c2"], after.State.Chats["c2"])
	assert.Same(s.T(), &before.State.Messages["c1"][0], &after.State.Messages["c1"][0], "untouched ledger should be shared")
	assert.Len(s.T(), before.State.Messages["c2"], 1)
	assert.Len(s.T(), after.State.Messages["c2"], 2)
	assert.Same(s.T(), before.State.Messages["c2"][0], after.State.Messages["c2"][0], "unchanged message record should be shared")
}

func (s *StoreTestSuite) Test_SubscribeGetsLatest() {
	ctx := context.Background()
	ch, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		require.NoError(s.T(), s.store.Dispatch(ctx, "bump", func(st *State) error {
			st.ActiveChat = "c1"
			return nil
		}))
	}

	select {
	case snap := <-ch:
		assert.Equal(s.T(), uint64(3), snap.Version, "subscriber should only hold the latest snapshot")
	case <-time.After(time.Second):
		s.T().Fatal("no snapshot published")
	}
}

func (s *StoreTestSuite) Test_CommitHookSeesDirtyAndUpdates() {
	var (
		gotDirty   Dirty
		gotUpdates []models.Update
	)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := NewStore(New(), logger)
	store.OnCommit(func(snap Snapshot, dirty Dirty, updates []models.Update) {
		gotDirty = dirty
		gotUpdates = updates
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = store.Run(ctx) }()

	err := store.Dispatch(ctx, "emit", func(st *State) error {
		st.Touch(DirtyChats | DirtyMessages)
		st.Emit(&models.ChatRead{ChatID: "c1", Reader: "a"})
		return nil
	})
	require.NoError(s.T(), err)

	assert.True(s.T(), gotDirty.Has(DirtyChats))
	assert.True(s.T(), gotDirty.Has(DirtyMessages))
	assert.False(s.T(), gotDirty.Has(DirtyUsers))
	assert.Len(s.T(), gotUpdates, 1)
}

func (s *StoreTestSuite) Test_ClosedStore() {
	s.cancel()
	s.wg.Wait()

	err := s.store.Dispatch(context.Background(), "late", func(*State) error { return nil })
	assert.ErrorIs(s.T(), err, ErrStoreClosed)
}

func TestInsertMessage_OrdersByTimestamp(t *testing.T) {
	st := New()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	st.InsertMessage(&models.Message{ID: "m1", ChatID: "c", Timestamp: base})
	st.InsertMessage(&models.Message{ID: "m3", ChatID: "c", Timestamp: base.Add(2 * time.Minute)})
	st.InsertMessage(&models.Message{ID: "m2", ChatID: "c", Timestamp: base.Add(time.Minute)})
	st.InsertMessage(&models.Message{ID: "m2b", ChatID: "c", Timestamp: base.Add(time.Minute)})

	ids := make([]string, 0, 4)
	for _, m := range st.Messages["c"] {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m2b", "m3"}, ids, "equal timestamps keep insertion order")

	msg, ok := st.Message("m2b")
	assert.True(t, ok)
	assert.Equal(t, "c", msg.ChatID)

	_, ok = st.Message("missing")
	assert.False(t, ok)
}
