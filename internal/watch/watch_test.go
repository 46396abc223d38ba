package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankittk/taskcoord/internal/outbox"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) PublishJSON(v any) {
	b, _ := json.Marshal(v)
	var e Event
	_ = json.Unmarshal(b, &e)
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func start(t *testing.T, dir string, opts ...Option) *collector {
	t.Helper()
	c := &collector{}
	w, err := New(dir, c, append([]Option{WithDebounce(30 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return c
}

func TestWatcher_DebouncesPerAgent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := start(t, dir, WithValidator(func(_ context.Context, id string) (outbox.ValidationErrors, error) {
		if id == "CB" {
			return outbox.ValidationErrors{{Field: "tasks[T1].title", Message: "required"}}, nil
		}
		return outbox.ValidationErrors{}, nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "CA.json"), []byte("{}"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CB.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CA.lock"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".CA.json.123.tmp"), []byte("{}"), 0o644))

	require.Eventually(t, func() bool { return len(c.snapshot()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	byAgent := map[string]Event{}
	for _, e := range c.snapshot() {
		assert.Equal(t, EventOutboxChanged, e.Type)
		_, dup := byAgent[e.AgentID]
		assert.False(t, dup, "agent %s reported twice", e.AgentID)
		byAgent[e.AgentID] = e
	}
	require.Len(t, byAgent, 2)
	require.NotNil(t, byAgent["CA"].Valid)
	assert.True(t, *byAgent["CA"].Valid)
	require.NotNil(t, byAgent["CB"].Valid)
	assert.False(t, *byAgent["CB"].Valid)
	assert.Equal(t, 1, byAgent["CB"].Violations)
}

func TestWatcher_ReportsRemoval(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "CA.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	c := start(t, dir)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	e := c.snapshot()[0]
	assert.Equal(t, "CA", e.AgentID)
	assert.True(t, e.Removed)
	assert.Nil(t, e.Valid)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := &collector{}
	w, err := New(dir, c)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()
	w.Stop()
	w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "CA.json"), []byte("{}"), 0o644))
	time.Sleep(DefaultDebounce + 50*time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestNew_RequiresPublisher(t *testing.T) {
	t.Parallel()
	_, err := New(t.TempDir(), nil)
	require.Error(t, err)
	w, err := New(filepath.Join(t.TempDir(), "missing"), &collector{})
	require.NoError(t, err)
	require.Error(t, w.Start(context.Background()))
}
