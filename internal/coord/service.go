// Package coord is the Task Coordination Store: the only writer of agent outboxes.
// Every mutation runs under a per-agent exclusive lock with a bounded wait, is
// validated against the outbox schema and is persisted atomically; reads take the
// same lock in shared mode and return private snapshots.
package coord

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ankittk/taskcoord/internal/lock"
	"github.com/ankittk/taskcoord/internal/otel"
	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/pkg/models"
)

// DefaultLockTimeout bounds the wait for a per-agent lock.
const DefaultLockTimeout = 5 * time.Second

// snapshotConcurrency bounds parallel outbox loads for multi-agent reads.
const snapshotConcurrency = 8

// EventPublisher receives a notification after every committed mutation.
// *httpapi.SSEHub satisfies it.
type EventPublisher interface {
	PublishJSON(v any)
}

// Publishers fans one event out to every non-nil publisher in order.
type Publishers []EventPublisher

func (ps Publishers) PublishJSON(v any) {
	for _, p := range ps {
		if p != nil {
			p.PublishJSON(v)
		}
	}
}

// Event types published after a committed mutation.
const (
	EventAgentCreated     = "agent_created"
	EventTaskCreated      = "task_created"
	EventTaskUpdated      = "task_updated"
	EventTaskTransitioned = "task_transitioned"
	EventTaskPromoted     = "task_promoted"
)

// Event describes one committed change to an outbox.
type Event struct {
	Type    string           `json:"type"`
	AgentID string           `json:"agent_id"`
	TaskID  string           `json:"task_id,omitempty"`
	From    models.Status    `json:"from,omitempty"`
	Status  models.Status    `json:"status,omitempty"`
	At      models.Timestamp `json:"at"`
}

// Service implements the coordination operations over a store.Store.
type Service struct {
	store       store.Store
	locks       *lock.Keyed
	taskIDs     *lock.Keyed // caller-supplied ids, held from the ownership check to the insert
	lockTimeout time.Duration
	now         func() time.Time
	newID       func() string
	events      EventPublisher
	log         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLockTimeout sets the bounded wait for per-agent locks.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the task id generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// WithPublisher sets the event sink for committed mutations.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New returns a Service over st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:       st,
		locks:       lock.NewKeyed(),
		taskIDs:     lock.NewKeyed(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		newID:       NewTaskID,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewTaskID returns a fresh, lexically sortable task id such as T-01JH4X....
func NewTaskID() string {
	return "T-" + ulid.Make().String()
}

// LockTimeout returns the configured per-agent lock wait.
func (s *Service) LockTimeout() time.Duration { return s.lockTimeout }

func (s *Service) timestamp() models.Timestamp {
	return models.NewTimestamp(s.now())
}

// acquire takes the per-agent lock, exclusive for writers, and converts a timeout
// into a LockTimeoutError.
func (s *Service) acquire(ctx context.Context, op, agentID string, exclusive bool) (func(), error) {
	start := time.Now()
	var (
		unlock func()
		err    error
	)
	if exclusive {
		unlock, err = s.locks.Lock(ctx, agentID, s.lockTimeout)
	} else {
		unlock, err = s.locks.RLock(ctx, agentID, s.lockTimeout)
	}
	timedOut := errors.Is(err, lock.ErrTimeout)
	otel.RecordLockWait(ctx, agentID, time.Since(start), timedOut)
	if timedOut {
		s.log.Warn("lock timeout", "op", op, "agent_id", agentID, "timeout", s.lockTimeout)
		return nil, &outbox.LockTimeoutError{Op: op, AgentID: agentID, Timeout: s.lockTimeout}
	}
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

// reserveTaskID serializes creates that name the same task id, whichever agent they
// target. It is always taken before any agent lock.
func (s *Service) reserveTaskID(ctx context.Context, op, agentID, taskID string) (func(), error) {
	unlock, err := s.taskIDs.Lock(ctx, taskID, s.lockTimeout)
	if errors.Is(err, lock.ErrTimeout) {
		s.log.Warn("task id reservation timeout", "op", op, "agent_id", agentID, "task_id", taskID)
		return nil, &outbox.LockTimeoutError{Op: op, AgentID: agentID, Timeout: s.lockTimeout}
	}
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

// mutate runs fn against a private copy of agentID's outbox and commits the copy
// only if fn succeeds and the result introduces no new schema violations.
func (s *Service) mutate(ctx context.Context, op, agentID string, fn func(o *models.Outbox, now models.Timestamp) error) error {
	unlock, err := s.acquire(ctx, op, agentID, true)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.store.Update(ctx, agentID, func(o *models.Outbox) error {
		before := outbox.Validate(o)
		prevHistory := o.Clone().History
		now := s.timestamp()
		if err := fn(o, now); err != nil {
			return err
		}
		o.Metadata.LastUpdated = now
		if added := outbox.Introduced(before, outbox.Validate(o)); len(added) > 0 {
			return added.WithOp(op, agentID)
		}
		if !extendsHistory(prevHistory, o.History) {
			return &outbox.StorageError{Op: op, AgentID: agentID, Err: errHistoryRewritten}
		}
		return nil
	})
	return s.storeErr(op, agentID, err)
}

var errHistoryRewritten = errors.New("history is append-only: existing entries were changed or removed")

func extendsHistory(prev, next []models.HistoryEntry) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if !reflect.DeepEqual(prev[i], next[i]) {
			return false
		}
	}
	return true
}

// storeErr maps store sentinels onto the domain taxonomy. Domain errors pass through.
func (s *Service) storeErr(op, agentID string, err error) error {
	switch {
	case err == nil:
		return nil
	case outbox.Kind(err) != "":
		return err
	case errors.Is(err, store.ErrNotFound):
		return &outbox.NotFoundError{Op: op, AgentID: agentID}
	case errors.Is(err, store.ErrExists):
		return &outbox.DuplicateError{Op: op, AgentID: agentID}
	case errors.Is(err, store.ErrLocked):
		return &outbox.LockTimeoutError{Op: op, AgentID: agentID, Timeout: s.lockTimeout}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &outbox.StorageError{Op: op, AgentID: agentID, Err: err}
}

// finish logs and records the outcome of op.
func (s *Service) finish(ctx context.Context, op, agentID string, err error) {
	outcome := "ok"
	if err != nil {
		if outcome = outbox.Kind(err); outcome == "" {
			outcome = "error"
		}
	}
	otel.RecordTaskOp(ctx, op, agentID, outcome)
	if err == nil {
		return
	}
	if outcome == outbox.KindStorage || outcome == "error" {
		s.log.Error("operation failed", "op", op, "agent_id", agentID, "err", err)
		return
	}
	s.log.Debug("operation rejected", "op", op, "agent_id", agentID, "kind", outcome, "err", err)
}

func (s *Service) publish(e Event) {
	if s.events == nil {
		return
	}
	s.events.PublishJSON(e)
}

func (s *Service) notFoundTask(op, agentID, taskID string) error {
	return &outbox.NotFoundError{Op: op, AgentID: agentID, TaskID: taskID}
}
