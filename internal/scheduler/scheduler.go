// Package scheduler runs keyed one-shot and periodic tasks that can be
// cancelled individually, by key prefix, or all at once.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/observability"
	"github.com/sirupsen/logrus"
)

// Task receives a context that is cancelled together with the task.
type Task func(ctx context.Context)

type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*entry
	seq    uint64
	closed bool
	wg     sync.WaitGroup
	logger logrus.FieldLogger
}

type entry struct {
	id     uint64
	cancel context.CancelFunc
}

func New(logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		tasks:  map[string]*entry{},
		logger: logger,
	}
}

// After runs fn once after delay. A task already registered under key is
// cancelled first.
func (s *Scheduler) After(key string, delay time.Duration, fn Task) {
	s.schedule(key, func(ctx context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			s.invoke(ctx, key, fn)
		}
	})
}

// Every runs fn each interval until cancelled.
func (s *Scheduler) Every(key string, interval time.Duration, fn Task) {
	s.schedule(key, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.invoke(ctx, key, fn)
			}
		}
	})
}

func (s *Scheduler) schedule(key string, run func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.WithField("task", key).Debug("scheduler is stopped, task dropped")
		return
	}

	if prev, ok := s.tasks[key]; ok {
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.seq++
	e := &entry{id: s.seq, cancel: cancel}
	s.tasks[key] = e
	s.wg.Add(1)
	observability.SetScheduledTasks(len(s.tasks))
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.remove(key, e)
		run(ctx)
	}()
}

func (s *Scheduler) invoke(ctx context.Context, key string, fn Task) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.
				WithField("task", key).
				WithField("panic", p).
				Error("scheduled task panicked")
		}
	}()
	fn(ctx)
}

func (s *Scheduler) remove(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.cancel()
	if cur, ok := s.tasks[key]; ok && cur.id == e.id {
		delete(s.tasks, key)
	}
	observability.SetScheduledTasks(len(s.tasks))
}

func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[key]
	if ok {
		e.cancel()
		delete(s.tasks, key)
		observability.SetScheduledTasks(len(s.tasks))
	}
	return ok
}

func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.tasks {
		if strings.HasPrefix(key, prefix) {
			e.cancel()
			delete(s.tasks, key)
			n++
		}
	}
	observability.SetScheduledTasks(len(s.tasks))
	return n
}

func (s *Scheduler) CancelAll() int {
	return s.CancelPrefix("")
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) Scheduled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Stop cancels every task and waits for running callbacks to return.
// It must not be called from inside a task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	s.wg.Wait()
}
