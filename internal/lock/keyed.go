// Package lock provides per-key shared/exclusive locks with a bounded wait, and an
// advisory file lock for coordinating separate processes on one record file.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when a lock is not acquired within the allowed wait.
var ErrTimeout = errors.New("lock: timed out")

// maxReaders bounds concurrent shared holders of one key. A writer takes the whole
// weight, so it excludes every reader and every other writer.
const maxReaders = 1 << 16

// Keyed hands out one reader/writer lock per key. Keys are created on first use and
// dropped once no holder or waiter references them. Waiters are served in FIFO order,
// so a queued writer is not starved by a stream of readers.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed returns an empty lock table.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires key exclusively. It waits at most timeout (no bound when timeout <= 0)
// and returns ErrTimeout when the wait runs out, or ctx.Err() when ctx ends first.
// The returned func releases the lock and is safe to call more than once.
func (k *Keyed) Lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	return k.acquire(ctx, key, maxReaders, timeout)
}

// RLock acquires key in shared mode. Any number of readers may hold a key at once.
func (k *Keyed) RLock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	return k.acquire(ctx, key, 1, timeout)
}

// Len reports how many keys are currently tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) acquire(ctx context.Context, key string, weight int64, timeout time.Duration) (func(), error) {
	e := k.ref(key)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := e.sem.Acquire(waitCtx, weight); err != nil {
		k.unref(key, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			k.unref(key, e)
		})
	}, nil
}

func (k *Keyed) ref(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(maxReaders)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) unref(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 && k.entries[key] == e {
		delete(k.entries, key)
	}
}
