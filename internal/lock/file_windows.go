//go:build windows

package lock

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// FileLock is an exclusive lock represented by the existence of a sidecar file.
// Shared requests are treated as exclusive.
type FileLock struct {
	f    *os.File
	path string
}

// LockFile creates path exclusively, retrying every pollInterval until timeout
// elapses (ErrTimeout) or ctx ends.
func LockFile(ctx context.Context, path string, exclusive bool, timeout time.Duration) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			return &FileLock{f: f, path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Unlock releases the lock. It is safe to call on a nil lock.
func (l *FileLock) Unlock() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Close()
	_ = os.Remove(l.path)
	l.f = nil
}
