package lock

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_ExclusiveTimesOut(t *testing.T) {
	t.Parallel()
	k := NewKeyed()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "CA", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = k.Lock(ctx, "CA", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	_, err = k.RLock(ctx, "CA", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	other, err := k.Lock(ctx, "CB", 20*time.Millisecond)
	require.NoError(t, err, "different keys never contend")
	other()

	unlock()
	again, err := k.Lock(ctx, "CA", 20*time.Millisecond)
	require.NoError(t, err)
	again()
}

func TestKeyed_ReadersShare(t *testing.T) {
	t.Parallel()
	k := NewKeyed()
	ctx := context.Background()

	r1, err := k.RLock(ctx, "CA", time.Second)
	require.NoError(t, err)
	r2, err := k.RLock(ctx, "CA", time.Second)
	require.NoError(t, err)

	_, err = k.Lock(ctx, "CA", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	r1()
	r2()
	w, err := k.Lock(ctx, "CA", time.Second)
	require.NoError(t, err)
	w()
}

func TestKeyed_ContextCancel(t *testing.T) {
	t.Parallel()
	k := NewKeyed()
	unlock, err := k.Lock(context.Background(), "CA", 0)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.Lock(ctx, "CA", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestKeyed_SerializesWriters(t *testing.T) {
	t.Parallel()
	k := NewKeyed()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "CA", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestKeyed_ReclaimsIdleKeys(t *testing.T) {
	t.Parallel()
	k := NewKeyed()
	unlock, err := k.Lock(context.Background(), "CA", time.Second)
	require.NoError(t, err)
	_, err = k.Lock(context.Background(), "CA", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, k.Len())

	unlock()
	unlock()
	assert.Equal(t, 0, k.Len())
}

func TestLockFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock semantics")
	}
	t.Parallel()
	path := filepath.Join(t.TempDir(), "outboxes", "CA.lock")
	ctx := context.Background()

	s1, err := LockFile(ctx, path, false, time.Second)
	require.NoError(t, err)
	s2, err := LockFile(ctx, path, false, time.Second)
	require.NoError(t, err)

	_, err = LockFile(ctx, path, true, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	s1.Unlock()
	s2.Unlock()
	s2.Unlock()

	x, err := LockFile(ctx, path, true, time.Second)
	require.NoError(t, err)
	_, err = LockFile(ctx, path, false, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	x.Unlock()
}
