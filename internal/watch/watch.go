// Package watch notices outbox files changed behind the store's back (an editor, a
// sync tool, another host on a shared volume) and publishes an event per agent.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/pkg/models"
)

// DefaultDebounce coalesces bursts of filesystem events for one agent.
const DefaultDebounce = 250 * time.Millisecond

// EventOutboxChanged is published once per debounced change.
const EventOutboxChanged = "outbox_changed"

// Publisher receives change events. *httpapi.SSEHub satisfies it.
type Publisher interface {
	PublishJSON(v any)
}

// ValidateFunc re-checks an outbox after a change; coord.Service.ValidateOutbox fits.
type ValidateFunc func(ctx context.Context, agentID string) (outbox.ValidationErrors, error)

// Event reports that an agent's outbox file changed or disappeared.
type Event struct {
	Type       string           `json:"type"`
	AgentID    string           `json:"agent_id"`
	Removed    bool             `json:"removed,omitempty"`
	Valid      *bool            `json:"valid,omitempty"`
	Violations int              `json:"violations,omitempty"`
	At         models.Timestamp `json:"at"`
}

// Watcher watches one file store directory.
type Watcher struct {
	dir      string
	pub      Publisher
	validate ValidateFunc
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	removed map[string]bool
	fs      *fsnotify.Watcher
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithValidator attaches a validation summary to each event.
func WithValidator(fn ValidateFunc) Option {
	return func(w *Watcher) { w.validate = fn }
}

// New returns a watcher for dir. Call Start to begin watching.
func New(dir string, pub Publisher, opts ...Option) (*Watcher, error) {
	if pub == nil {
		return nil, errors.New("watch: publisher required")
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	w := &Watcher{
		dir:      filepath.Clean(dir),
		pub:      pub,
		debounce: DefaultDebounce,
		log:      slog.Default(),
		timers:   make(map[string]*time.Timer),
		removed:  make(map[string]bool),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Start begins watching. The watcher stops when ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.mu.Lock()
	w.fs = fw
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx, fw)
	}()
	w.log.Info("watching outbox directory", "dir", w.dir, "debounce", w.debounce)
	return nil
}

// Stop ends watching and cancels pending notifications. It is safe to call twice.
func (w *Watcher) Stop() {
	w.stop.Do(func() {
		close(w.done)
		w.mu.Lock()
		for id, t := range w.timers {
			t.Stop()
			delete(w.timers, id)
		}
		fw := w.fs
		w.fs = nil
		w.mu.Unlock()
		if fw != nil {
			_ = fw.Close()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			go w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("outbox watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	agentID := store.AgentIDFromPath(ev.Name)
	if agentID == "" {
		return
	}
	gone := ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0
	w.schedule(agentID, gone)
}

// schedule (re)arms the per-agent timer. The last event in a burst decides whether
// the file is reported as removed.
func (w *Watcher) schedule(agentID string, gone bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	w.removed[agentID] = gone
	if t, ok := w.timers[agentID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[agentID] = time.AfterFunc(w.debounce, func() { w.fire(agentID) })
}

func (w *Watcher) fire(agentID string) {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return
	default:
	}
	delete(w.timers, agentID)
	gone := w.removed[agentID]
	delete(w.removed, agentID)
	w.mu.Unlock()

	ev := Event{Type: EventOutboxChanged, AgentID: agentID, Removed: gone, At: models.Now()}
	if !gone && w.validate != nil {
		errs, err := w.validate(context.Background(), agentID)
		switch {
		case err == nil:
			valid := len(errs) == 0
			ev.Valid = &valid
			ev.Violations = len(errs)
			if !valid {
				w.log.Warn("outbox changed on disk and fails validation", "agent_id", agentID, "violations", len(errs))
			}
		case outbox.IsNotFound(err):
			ev.Removed = true
		default:
			w.log.Warn("validate changed outbox", "agent_id", agentID, "error", err)
		}
	}
	w.log.Debug("outbox changed", "agent_id", agentID, "removed", ev.Removed)
	w.pub.PublishJSON(ev)
}
