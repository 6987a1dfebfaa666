package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// tableLocks hands out one exclusive, bounded-wait lock per table.
type tableLocks struct {
	backend string
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func newTableLocks(backend string, timeout time.Duration) *tableLocks {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &tableLocks{
		backend: backend,
		timeout: timeout,
		locks:   make(map[string]*semaphore.Weighted),
	}
}

func (l *tableLocks) get(table string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[table]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[table] = sem
	}
	return sem
}

// acquire takes the table lock, waiting at most the configured timeout.
// The returned function releases the lock.
func (l *tableLocks) acquire(ctx context.Context, table string) (func(), error) {
	sem := l.get(table)

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	err := sem.Acquire(waitCtx, 1)
	LockWaitSeconds.WithLabelValues(l.backend).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		recordUpdate(table, resultBusy)
		return nil, fmt.Errorf("%w: table %s locked for more than %s", ErrStoreBusy, table, l.timeout)
	}
	return func() { sem.Release(1) }, nil
}
