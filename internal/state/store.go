// Package state funnels every mutation of the chat model through a single
// apply loop and publishes immutable snapshots after each one.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrStoreClosed = errors.New("store is closed")
	ErrPanicked    = errors.New("mutation panicked")
)

// Snapshot is a committed version of the state. Later drafts copy what they
// change, so a snapshot stays valid after newer commits. It must not be
// mutated.
type Snapshot struct {
	Version uint64
	State   *State
}

// CommitHook observes every committed mutation. It runs on the apply loop
// and must not block or call back into the Store.
type CommitHook func(snap Snapshot, dirty Dirty, updates []models.Update)

type request struct {
	name     string
	fn       func(*State) error
	readOnly bool
	result   chan error
}

type Store struct {
	requests chan request
	done     chan struct{}
	once     sync.Once
	state    *State
	version  uint64
	hooks    []CommitHook
	logger   logrus.FieldLogger

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

func NewStore(initial *State, logger logrus.FieldLogger) *Store {
	if initial == nil {
		initial = New()
	}
	return &Store{
		requests: make(chan request),
		done:     make(chan struct{}),
		state:    initial,
		subs:     map[int]chan Snapshot{},
		logger:   logger,
	}
}

// OnCommit registers a hook. Hooks must be registered before Run.
func (s *Store) OnCommit(hook CommitHook) {
	s.hooks = append(s.hooks, hook)
}

// Run applies requests one at a time until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.requests:
			s.apply(req)
		}
	}
}

// Dispatch submits a mutation and waits until it is applied. When fn fails
// none of its changes become visible.
func (s *Store) Dispatch(ctx context.Context, name string, fn func(*State) error) error {
	return s.submit(ctx, request{name: name, fn: fn})
}

// View runs fn against the live state. fn must not mutate it or retain
// references to it.
func (s *Store) View(ctx context.Context, fn func(*State) error) error {
	return s.submit(ctx, request{name: "view", fn: fn, readOnly: true})
}

// Current returns a snapshot of the present state.
func (s *Store) Current(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.View(ctx, func(st *State) error {
		snap = Snapshot{Version: s.version, State: st}
		return nil
	})
	return snap, err
}

// Subscribe returns a channel carrying the latest snapshot. Slow readers
// only ever see the most recent one.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) submit(ctx context.Context, req request) error {
	req.result = make(chan error, 1)

	select {
	case s.requests <- req:
	case <-s.done:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-req.result
}

func (s *Store) apply(req request) {
	if req.readOnly {
		req.result <- s.call(req, s.state)
		return
	}

	draft := s.state.Clone()
	if err := s.call(req, draft); err != nil {
		req.result <- err
		return
	}

	dirty, updates := draft.dirty, draft.updates
	draft.dirty, draft.updates = 0, nil
	s.state = draft
	s.version++

	snap := Snapshot{Version: s.version, State: draft}
	for _, hook := range s.hooks {
		hook(snap, dirty, updates)
	}
	s.publish(snap)

	s.logger.
		WithField("action", req.name).
		WithField("version", s.version).
		Trace("mutation applied")
	req.result <- nil
}

func (s *Store) call(req request, st *State) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.
				WithField("action", req.name).
				WithField("panic", p).
				Error("mutation panicked")
			err = fmt.Errorf("%w: %s: %v", ErrPanicked, req.name, p)
		}
	}()
	return req.fn(st)
}

func (s *Store) publish(snap Snapshot) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
