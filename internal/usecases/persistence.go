package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/observability"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
	storage "github.com/practice-sem-2/chat-sync-service/internal/storages"
	"github.com/sirupsen/logrus"
)

// Persister writes committed state to the storage registry in the
// background. Writes are not transactional with the in-memory commit:
// a failure is logged and counted, and the records are retried with the
// next batch.
type Persister struct {
	registry storage.Registry
	store    *state.Store
	validate *validator.Validate
	logger   logrus.FieldLogger

	mu      sync.Mutex
	pending *batch
	wake    chan struct{}
	writeMu sync.Mutex
}

type batch struct {
	snap    state.Snapshot
	dirty   state.Dirty
	updates []models.Update
}

// Seed is the layout accepted by ImportSeed.
type Seed struct {
	Chats    map[string]*models.Chat      `json:"chats"`
	Messages map[string][]*models.Message `json:"messages"`
}

func NewPersister(r storage.Registry, s *state.Store, v *validator.Validate, logger logrus.FieldLogger) *Persister {
	return &Persister{
		registry: r,
		store:    s,
		validate: v,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Hook is registered with state.Store.OnCommit. It only queues work.
func (p *Persister) Hook(snap state.Snapshot, dirty state.Dirty, updates []models.Update) {
	if dirty == 0 && len(updates) == 0 {
		return
	}

	p.mu.Lock()
	if p.pending == nil {
		p.pending = &batch{}
	}
	p.pending.snap = snap
	p.pending.dirty |= dirty
	p.pending.updates = append(p.pending.updates, updates...)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run writes queued batches until ctx is done.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.writePending(ctx)
		}
	}
}

// Flush synchronously writes whatever is queued.
func (p *Persister) Flush(ctx context.Context) error {
	return p.writePending(ctx)
}

func (p *Persister) writePending(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	b := p.pending
	p.pending = nil
	p.mu.Unlock()

	if b == nil {
		return nil
	}

	err := p.write(ctx, b)
	if err != nil {
		observability.IncPersistFailure()
		p.logger.
			WithField("version", b.snap.Version).
			WithError(err).
			Error("can't persist state")

		p.mu.Lock()
		if p.pending == nil {
			p.pending = &batch{snap: b.snap}
		}
		p.pending.dirty |= b.dirty
		p.mu.Unlock()
	}
	return err
}

func (p *Persister) write(ctx context.Context, b *batch) error {
	st := b.snap.State
	return p.registry.Atomic(ctx, func(r storage.Registry) error {
		records := r.GetRecordsStore()

		var err error
		if b.dirty.Has(state.DirtyUsers) {
			err = errors.Join(err, records.SaveUsers(ctx, st.Users))
		}
		if b.dirty.Has(state.DirtyChats) {
			err = errors.Join(err, records.SaveChats(ctx, st.Chats))
		}
		if b.dirty.Has(state.DirtyMessages) {
			err = errors.Join(err, records.SaveMessages(ctx, st.Messages))
		}
		if b.dirty.Has(state.DirtyTheme) {
			err = errors.Join(err, records.SaveTheme(ctx, st.Theme))
		}
		if b.dirty.Has(state.DirtySession) {
			if st.Principal == nil {
				err = errors.Join(err, records.ClearSession(ctx))
			} else {
				err = errors.Join(err, records.SaveSession(ctx, st.Principal))
			}
		}
		if err != nil {
			return err
		}

		updates := r.GetUpdatesStore()
		for _, upd := range b.updates {
			if err := updates.Put(ctx, upd); err != nil {
				return fmt.Errorf("can't publish %s: %w", upd.UpdateType(), err)
			}
		}
		return nil
	})
}

// Restore loads persisted records into the store and returns the saved
// session, if any. Corrupt records are dropped and do not fail the start.
func (p *Persister) Restore(ctx context.Context) (*models.AuthUser, error) {
	records := p.registry.GetRecordsStore()

	users, err := records.LoadUsers(ctx)
	if err = p.tolerate(err); err != nil {
		return nil, err
	}
	chats, err := records.LoadChats(ctx)
	if err = p.tolerate(err); err != nil {
		return nil, err
	}
	messages, err := records.LoadMessages(ctx)
	if err = p.tolerate(err); err != nil {
		return nil, err
	}
	theme, err := records.LoadTheme(ctx)
	if err = p.tolerate(err); err != nil {
		return nil, err
	}
	session, err := records.LoadSession(ctx)
	if err = p.tolerate(err); err != nil {
		return nil, err
	}

	err = p.store.Dispatch(ctx, "restore", func(st *state.State) error {
		st.Replace(users, chats, sortLedgers(messages))
		st.Theme = theme
		recountAll(st)
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.
		WithField("users", len(users)).
		WithField("chats", len(chats)).
		Info("state restored")
	return session, nil
}

// ImportSeed bulk-loads chats and messages into an empty store.
func (p *Persister) ImportSeed(ctx context.Context, r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("%w: seed: %v", storage.ErrStorageCorrupt, err)
	}

	for id, chat := range seed.Chats {
		if chat == nil {
			return fmt.Errorf("%w: seed chat %s is empty", storage.ErrStorageCorrupt, id)
		}
		if chat.ID != id {
			return fmt.Errorf("%w: seed chat %q is filed under %s", storage.ErrStorageCorrupt, chat.ID, id)
		}
	}
	for chatId, ledger := range seed.Messages {
		if _, ok := seed.Chats[chatId]; !ok {
			return fmt.Errorf("%w: seed messages for unknown chat %s", storage.ErrStorageCorrupt, chatId)
		}
		for _, msg := range ledger {
			if err := p.validate.Struct(msg); err != nil {
				return fmt.Errorf("%w: seed message: %v", storage.ErrStorageCorrupt, err)
			}
			if msg.ChatID != chatId {
				return fmt.Errorf("%w: seed message %s is filed under %s", storage.ErrStorageCorrupt, msg.ID, chatId)
			}
		}
	}

	err := p.store.View(ctx, func(st *state.State) error {
		if len(st.Chats) > 0 {
			return storage.ErrAlreadySeeded
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = p.registry.Atomic(ctx, func(r storage.Registry) error {
		return r.GetRecordsStore().Seed(ctx, seed.Chats, seed.Messages)
	})
	if err != nil {
		return err
	}

	err = p.store.Dispatch(ctx, "import-seed", func(st *state.State) error {
		if len(st.Chats) > 0 {
			return storage.ErrAlreadySeeded
		}
		for _, chat := range seed.Chats {
			chat.IsTyping = nil
			st.PutChat(chat)
		}
		for id, ledger := range sortLedgers(seed.Messages) {
			st.SetLedger(id, ledger)
		}
		st.Reindex()
		recountAll(st)
		return nil
	})
	if err != nil {
		return err
	}

	p.logger.WithField("chats", len(seed.Chats)).Info("seed imported")
	return nil
}

func (p *Persister) ImportSeedFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.ImportSeed(ctx, f)
}

func (p *Persister) tolerate(err error) error {
	if err == nil || errors.Is(err, storage.ErrStorageCorrupt) {
		if err != nil {
			p.logger.WithError(err).Warning("corrupt records dropped on restore")
		}
		return nil
	}
	return err
}

func sortLedgers(ledgers map[string][]*models.Message) map[string][]*models.Message {
	for _, ledger := range ledgers {
		slices.SortStableFunc(ledger, func(a, b *models.Message) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
	}
	return ledgers
}
