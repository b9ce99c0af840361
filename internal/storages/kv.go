package storage

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrKeyNotFound = errors.New("key does not exist")
	ErrKeyExists   = errors.New("key already exists")
	ErrTxDone      = errors.New("transaction has already been committed or rolled back")
)

// KV is a flat key-value store holding JSON documents.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	PutIfAbsent(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type Tx interface {
	KV
	Commit() error
	Rollback() error
}

type Backend interface {
	KV
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

type writeKind int

const (
	writePut writeKind = iota
	writePutIfAbsent
	writeDelete
)

type write struct {
	kind  writeKind
	key   string
	value []byte
}

// batchApplier applies buffered writes as one unit.
type batchApplier interface {
	applyBatch(ctx context.Context, writes []write) error
}

// bufferedTx collects writes and hands them to the backend on Commit.
// Reads observe the buffered writes first.
type bufferedTx struct {
	ctx     context.Context
	base    KV
	applier batchApplier
	writes  []write
	pending map[string]write
	done    bool
}

func newBufferedTx(ctx context.Context, base KV, applier batchApplier) *bufferedTx {
	return &bufferedTx{
		ctx:     ctx,
		base:    base,
		applier: applier,
		pending: map[string]write{},
	}
}

func (t *bufferedTx) Get(ctx context.Context, key string) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if w, ok := t.pending[key]; ok {
		if w.kind == writeDelete {
			return nil, ErrKeyNotFound
		}
		return w.value, nil
	}
	return t.base.Get(ctx, key)
}

func (t *bufferedTx) Put(_ context.Context, key string, value []byte) error {
	return t.buffer(write{kind: writePut, key: key, value: value})
}

func (t *bufferedTx) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	_, err := t.Get(ctx, key)
	if err == nil {
		return ErrKeyExists
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	return t.buffer(write{kind: writePutIfAbsent, key: key, value: value})
}

func (t *bufferedTx) Delete(_ context.Context, key string) error {
	return t.buffer(write{kind: writeDelete, key: key})
}

func (t *bufferedTx) buffer(w write) error {
	if t.done {
		return ErrTxDone
	}
	t.writes = append(t.writes, w)
	t.pending[w.key] = w
	return nil
}

func (t *bufferedTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if len(t.writes) == 0 {
		return nil
	}
	return t.applier.applyBatch(t.ctx, t.writes)
}

func (t *bufferedTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.writes = nil
	return nil
}

type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		data: map[string][]byte{},
	}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) PutIfAbsent(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return ErrKeyExists
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Begin(ctx context.Context) (Tx, error) {
	return newBufferedTx(ctx, m, m), nil
}

func (m *MemoryKV) applyBatch(_ context.Context, writes []write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		if w.kind == writePutIfAbsent {
			if _, ok := m.data[w.key]; ok {
				return ErrKeyExists
			}
		}
	}
	for _, w := range writes {
		switch w.kind {
		case writePut, writePutIfAbsent:
			m.data[w.key] = append([]byte(nil), w.value...)
		case writeDelete:
			delete(m.data, w.key)
		}
	}
	return nil
}

func (m *MemoryKV) Close() error {
	return nil
}
