package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	locks *tableLocks

	mu     sync.RWMutex
	tables map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store. A lockTimeout of zero uses
// DefaultLockTimeout.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		locks:  newTableLocks("memory", lockTimeout),
		tables: make(map[string][]byte),
	}
}

// Load returns a copy of the committed document.
func (m *MemoryStore) Load(ctx context.Context, table string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	raw, ok := m.tables[table]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), raw...), nil
}

// Update runs fn under the table lock.
func (m *MemoryStore) Update(ctx context.Context, table string, fn func(current []byte) ([]byte, error)) error {
	release, err := m.locks.acquire(ctx, table)
	if err != nil {
		return err
	}
	defer release()

	current, err := m.Load(ctx, table)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		recordUpdate(table, resultAborted)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tables[table] = append([]byte(nil), next...)
	recordCommit(table, len(next))
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
