package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ankittk/taskcoord/internal/lock"
	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

const (
	recordExt = ".json"
	lockExt   = ".lock"

	defaultCacheSize   = 256
	defaultLockTimeout = 5 * time.Second
)

// FileOptions configures a FileStore.
type FileOptions struct {
	// LockTimeout bounds the wait for the cross-process file lock.
	LockTimeout time.Duration
	// CacheSize is the number of decoded records kept in memory.
	CacheSize int
}

// FileStore keeps each outbox as <dir>/<agent_id>.json. Writers hold an exclusive
// flock on <agent_id>.lock, readers a shared one, so separate processes sharing the
// directory never interleave a read-modify-write.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	cache       *lru.Cache[string, cachedRecord]
}

type cachedRecord struct {
	modTime time.Time
	size    int64
	outbox  *models.Outbox
}

// Open opens the default file store at home/outboxes.
func Open(home string, opts FileOptions) (*FileStore, error) {
	return OpenFile(filepath.Join(home, "outboxes"), opts)
}

// OpenFile opens (creating if needed) a file store rooted at dir.
func OpenFile(dir string, opts FileOptions) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, cachedRecord](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, lockTimeout: opts.LockTimeout, cache: cache}, nil
}

// Dir returns the directory holding the record files.
func (s *FileStore) Dir() string { return s.dir }

// AgentIDFromPath returns the agent id for a record file path, or "" if path is not
// a record file.
func AgentIDFromPath(path string) string {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, recordExt) {
		return ""
	}
	return strings.TrimSuffix(base, recordExt)
}

func (s *FileStore) recordPath(agentID string) string {
	return filepath.Join(s.dir, agentID+recordExt)
}

func (s *FileStore) lockPath(agentID string) string {
	return filepath.Join(s.dir, agentID+lockExt)
}

func (s *FileStore) lockRecord(ctx context.Context, agentID string, exclusive bool) (*lock.FileLock, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || agentID == "." || agentID == ".." {
		return nil, fmt.Errorf("invalid agent id %q", agentID)
	}
	fl, err := lock.LockFile(ctx, s.lockPath(agentID), exclusive, s.lockTimeout)
	if errors.Is(err, lock.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, agentID)
	}
	return fl, err
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, o *models.Outbox) error {
	fl, err := s.lockRecord(ctx, o.AgentID, true)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	path := s.recordPath(o.AgentID)
	if _, err := os.Stat(path); err == nil {
		return ErrExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return s.write(o)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, agentID string) (*models.Outbox, error) {
	fl, err := s.lockRecord(ctx, agentID, false)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	o, err := s.read(agentID)
	if err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, agentID string, fn func(*models.Outbox) error) error {
	fl, err := s.lockRecord(ctx, agentID, true)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	cur, err := s.read(agentID)
	if err != nil {
		return err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	return s.write(next)
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id := AgentIDFromPath(e.Name()); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.cache.Purge()
	return nil
}

// read returns the decoded record. The result is shared with the cache and must not
// be modified.
func (s *FileStore) read(agentID string) (*models.Outbox, error) {
	path := s.recordPath(agentID)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cache.Remove(agentID)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c, ok := s.cache.Get(agentID); ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.outbox, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	o, err := outbox.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.cache.Add(agentID, cachedRecord{modTime: info.ModTime(), size: info.Size(), outbox: o})
	return o, nil
}

func (s *FileStore) write(o *models.Outbox) error {
	data, err := outbox.Encode(o)
	if err != nil {
		return err
	}
	s.cache.Remove(o.AgentID)
	return atomicWrite(s.recordPath(o.AgentID), data, 0o644)
}
