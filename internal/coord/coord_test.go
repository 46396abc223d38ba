package coord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/pkg/models"
)

// tickClock returns a clock that advances one second per call.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) PublishJSON(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := v.(Event); ok {
		r.events = append(r.events, e)
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newService(t *testing.T, opts ...Option) (*Service, store.Store) {
	t.Helper()
	st, err := store.OpenFile(filepath.Join(t.TempDir(), "outboxes"), store.FileOptions{LockTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	opts = append([]Option{WithClock(tickClock())}, opts...)
	return New(st, opts...), st
}

func mustAgent(t *testing.T, s *Service, id string) {
	t.Helper()
	_, err := s.CreateAgent(context.Background(), models.AgentSpec{AgentID: id, AgentName: "Agent " + id, AgentType: models.AgentTypeAI})
	require.NoError(t, err)
}

func mustTask(t *testing.T, s *Service, agentID string, spec models.TaskSpec) string {
	t.Helper()
	id, err := s.CreateTask(context.Background(), agentID, spec)
	require.NoError(t, err)
	return id
}

func walk(t *testing.T, s *Service, agentID, taskID string, path ...models.Status) *models.Task {
	t.Helper()
	var task *models.Task
	for _, st := range path {
		var err error
		task, err = s.TransitionTask(context.Background(), agentID, taskID, st)
		require.NoError(t, err, "transition to %s", st)
	}
	return task
}

// Scenario: create, start, submit for review; skipping review is rejected.
func TestScenario_LifecycleAndForbiddenShortcut(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")

	id := mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "Build UI", Priority: models.PriorityHigh})
	assert.Equal(t, "T1", id)
	o, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	require.Len(t, o.Tasks, 1)
	assert.Equal(t, models.StatusPending, o.Tasks[0].Status)
	assert.Nil(t, o.Tasks[0].StartedAt)

	task := walk(t, s, "CA", "T1", models.StatusInProgress)
	assert.Equal(t, models.StatusInProgress, task.Status)
	require.NotNil(t, task.StartedAt)
	started := *task.StartedAt

	task = walk(t, s, "CA", "T1", models.StatusReadyForReview)
	assert.Equal(t, started, *task.StartedAt, "started_at is only set once")

	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T2", Title: "API", Priority: models.PriorityLow})
	_, err = s.TransitionTask(ctx, "CA", "T2", models.StatusCompleted)
	var ite *outbox.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, models.StatusPending, ite.From)
	assert.Equal(t, models.StatusCompleted, ite.To)
	assert.Equal(t, []models.Status{models.StatusInProgress, models.StatusBlocked}, ite.Allowed)
	assert.Equal(t, "CA", ite.AgentID)
	assert.Equal(t, "T2", ite.TaskID)

	o, err = s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, o.Tasks[o.FindTask("T2")].Status)
}

// Scenario: approve and archive.
func TestScenario_CompleteAndPromote(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "Build UI", Priority: models.PriorityHigh})
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T2", Title: "API", Priority: models.PriorityLow})
	task := walk(t, s, "CA", "T1", models.StatusInProgress, models.StatusReadyForReview, models.StatusCompleted)
	require.NotNil(t, task.CompletedAt)

	entry, err := s.PromoteToHistory(ctx, "CA", "T1", models.HistorySpec{
		Summary:    "UI shipped",
		ReviewedBy: "ARCH",
		Files:      models.HistoryFiles{Created: []string{"ui/main.go"}},
		Metrics:    map[string]any{"tests": 12},
	})
	require.NoError(t, err)
	assert.Equal(t, "T1", entry.TaskID)
	assert.Equal(t, models.StatusCompleted, entry.Status)
	assert.Equal(t, 12.0, entry.Metrics["tests"])

	o, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Equal(t, -1, o.FindTask("T1"))
	require.Equal(t, 0, o.FindHistory("T1"))
	h := o.History[0]
	assert.Equal(t, "Build UI", h.Title)
	assert.Equal(t, models.PriorityHigh, h.Priority)
	assert.Equal(t, "ARCH", h.ReviewedBy)
	assert.Equal(t, 1, o.Metadata.TotalTasksCompleted)
	assert.False(t, h.CreatedAt.After(*h.StartedAt))
	assert.False(t, h.StartedAt.After(*h.CompletedAt))
	assert.Empty(t, outbox.Validate(o))
}

// Scenario: concurrent creates without ids never lose a write.
func TestScenario_ConcurrentCreates(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")

	const k = 20
	var wg sync.WaitGroup
	ids := make([]string, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = s.CreateTask(ctx, "CA", models.TaskSpec{Title: fmt.Sprintf("task %d", i)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	o, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	require.Len(t, o.Tasks, k)
	seen := map[string]bool{}
	for _, task := range o.Tasks {
		assert.False(t, seen[task.TaskID], "duplicate id %s", task.TaskID)
		seen[task.TaskID] = true
		assert.Equal(t, models.PriorityMedium, task.Priority)
	}
	for _, id := range ids {
		assert.True(t, seen[id])
	}
}

// Scenario: unknown task.
func TestScenario_UnknownTask(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	mustAgent(t, s, "CA")
	_, err := s.TransitionTask(context.Background(), "CA", "T_unknown", models.StatusInProgress)
	var nf *outbox.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "T_unknown", nf.TaskID)
	assert.Equal(t, outbox.OpTransitionTask, nf.Op)

	_, err = s.TransitionTask(context.Background(), "nobody", "T1", models.StatusInProgress)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "", nf.TaskID)
	assert.Equal(t, "nobody", nf.AgentID)
}

// Scenario: promoting an unfinished task is rejected and changes nothing.
func TestScenario_PromotePendingFails(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T2", Title: "API", Priority: models.PriorityLow})
	before, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)

	_, err = s.PromoteToHistory(ctx, "CA", "T2", models.HistorySpec{Summary: "nope"})
	var pe *outbox.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.StatusPending, pe.Status)

	after, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// Scenario: one completed and one pending task give a ratio of one half.
func TestScenario_SprintProgress(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "Build UI", Priority: models.PriorityHigh})
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T2", Title: "API", Priority: models.PriorityLow})
	walk(t, s, "CA", "T1", models.StatusInProgress, models.StatusReadyForReview, models.StatusCompleted)

	p, err := s.ComputeSprintProgress(ctx, []string{"CA"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.TotalTasks)
	assert.Equal(t, 1, p.CompletedTasks)
	assert.InDelta(t, 0.5, p.CompletionRatio, 1e-9)

	_, err = s.PromoteToHistory(ctx, "CA", "T1", models.HistorySpec{})
	require.NoError(t, err)
	p, err = s.ComputeSprintProgress(ctx, []string{"CA", "CA"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.TotalTasks)
	assert.Equal(t, 1, p.CompletedTasks)

	p, err = s.ComputeSprintProgress(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.CompletionRatio)
	assert.Equal(t, 0, p.TotalTasks)

	_, err = s.ComputeSprintProgress(ctx, []string{"CA", "ghost"})
	assert.True(t, outbox.IsNotFound(err))
}

func TestTransition_RejectedTransitionsLeaveStatus(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "x", Priority: models.PriorityLow})
	walk(t, s, "CA", "T1", models.StatusInProgress, models.StatusFailed)

	for _, to := range models.Statuses {
		_, err := s.TransitionTask(ctx, "CA", "T1", to)
		require.True(t, outbox.IsInvalidTransition(err), "failed -> %s", to)
	}
	_, err := s.TransitionTask(ctx, "CA", "T1", "finished")
	require.True(t, outbox.IsValidation(err))

	o, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, o.Tasks[0].Status)
}

func TestTransition_BlockedPathsAndRework(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "x"})
	task := walk(t, s, "CA", "T1", models.StatusBlocked)
	assert.Nil(t, task.StartedAt)
	task = walk(t, s, "CA", "T1", models.StatusInProgress, models.StatusReadyForReview, models.StatusInProgress)
	assert.NotNil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
}

func TestPromote_FailedDoesNotCount(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	for i, last := range []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCompleted} {
		id := fmt.Sprintf("T%d", i)
		mustTask(t, s, "CA", models.TaskSpec{TaskID: id, Title: id})
		walk(t, s, "CA", id, models.StatusInProgress, models.StatusReadyForReview, last)
		_, err := s.PromoteToHistory(ctx, "CA", id, models.HistorySpec{})
		require.NoError(t, err)
	}
	o, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Equal(t, 2, o.Metadata.TotalTasksCompleted)
	assert.Len(t, o.History, 3)
	assert.Empty(t, o.Tasks)

	_, err = s.PromoteToHistory(ctx, "CA", "T0", models.HistorySpec{})
	assert.True(t, outbox.IsPrecondition(err))
	_, err = s.TransitionTask(ctx, "CA", "T0", models.StatusInProgress)
	assert.True(t, outbox.IsInvalidTransition(err))
}

func TestCreateTask_Duplicates(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustAgent(t, s, "CB")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "x"})
	walk(t, s, "CA", "T1", models.StatusInProgress, models.StatusFailed)
	_, err := s.PromoteToHistory(ctx, "CA", "T1", models.HistorySpec{})
	require.NoError(t, err)
	before, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, "CA", models.TaskSpec{TaskID: "T1", Title: "again"})
	var dup *outbox.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "T1", dup.TaskID)

	_, err = s.CreateTask(ctx, "CB", models.TaskSpec{TaskID: "T1", Title: "elsewhere"})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "CA", dup.AgentID)

	after, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCreateTask_Validation(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	mustAgent(t, s, "CA")
	_, err := s.CreateTask(context.Background(), "CA", models.TaskSpec{Priority: "URGENT"})
	var ves outbox.ValidationErrors
	require.ErrorAs(t, err, &ves)
	assert.Len(t, ves, 2)
	for _, v := range ves {
		assert.Equal(t, outbox.OpCreateTask, v.Op)
		assert.Equal(t, "CA", v.AgentID)
	}
	_, err = s.CreateTask(context.Background(), "ghost", models.TaskSpec{Title: "x"})
	assert.True(t, outbox.IsNotFound(err))
}

func TestCreateAgent(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s, _ := newService(t, WithPublisher(rec))
	ctx := context.Background()
	o, err := s.CreateAgent(ctx, models.AgentSpec{AgentID: "ARCH", AgentName: "Architect", AgentType: models.AgentTypeHybrid, Expertise: []string{"design"}})
	require.NoError(t, err)
	assert.Equal(t, outbox.CurrentSchemaVersion, o.Version)
	assert.Empty(t, outbox.Validate(o))

	_, err = s.CreateAgent(ctx, models.AgentSpec{AgentID: "ARCH", AgentName: "Again", AgentType: models.AgentTypeAI})
	assert.True(t, outbox.IsDuplicate(err))
	_, err = s.CreateAgent(ctx, models.AgentSpec{AgentID: "bad id", AgentType: "robot"})
	assert.True(t, outbox.IsValidation(err))

	ids, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ARCH"}, ids)
	assert.Equal(t, []string{EventAgentCreated}, rec.types())
}

func TestUpdateTask(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "x"})

	title := "renamed"
	prio := models.PriorityCritical
	deps := []string{"T0"}
	task, err := s.UpdateTask(ctx, "CA", "T1", models.TaskPatch{Title: &title, Priority: &prio, Dependencies: &deps})
	require.NoError(t, err)
	assert.Equal(t, "renamed", task.Title)
	assert.Equal(t, models.PriorityCritical, task.Priority)
	assert.Equal(t, []string{"T0"}, task.Dependencies)
	assert.Equal(t, models.StatusPending, task.Status)

	empty := ""
	_, err = s.UpdateTask(ctx, "CA", "T1", models.TaskPatch{Title: &empty})
	assert.True(t, outbox.IsValidation(err))
	self := []string{"T1"}
	_, err = s.UpdateTask(ctx, "CA", "T1", models.TaskPatch{Dependencies: &self})
	assert.True(t, outbox.IsValidation(err))
}

func TestUnmetDependencies(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustAgent(t, s, "CB")
	mustTask(t, s, "CB", models.TaskSpec{TaskID: "API-1", Title: "api"})
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "UI-1", Title: "ui", Dependencies: []string{"API-1", "MISSING"}})

	unmet, err := s.UnmetDependencies(ctx, "CA", "UI-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"API-1", "MISSING"}, unmet)

	// Advisory only: starting the task still succeeds.
	walk(t, s, "CA", "UI-1", models.StatusInProgress)

	walk(t, s, "CB", "API-1", models.StatusInProgress, models.StatusReadyForReview, models.StatusCompleted)
	_, err = s.PromoteToHistory(ctx, "CB", "API-1", models.HistorySpec{})
	require.NoError(t, err)
	unmet, err = s.UnmetDependencies(ctx, "CA", "UI-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"MISSING"}, unmet)
}

func TestValidateOutbox_SideEffectFree(t *testing.T) {
	t.Parallel()
	s, st := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "x"})
	before, err := st.Get(ctx, "CA")
	require.NoError(t, err)

	first, err := s.ValidateOutbox(ctx, "CA")
	require.NoError(t, err)
	second, err := s.ValidateOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Empty(t, first)
	assert.Equal(t, first, second)

	after, err := st.Get(ctx, "CA")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = s.ValidateOutbox(ctx, "ghost")
	assert.True(t, outbox.IsNotFound(err))
}

func TestLegacyDriftStaysWritable(t *testing.T) {
	t.Parallel()
	s, st := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	require.NoError(t, st.Update(ctx, "CA", func(o *models.Outbox) error {
		o.Metadata.TotalTasksCompleted = 9
		return nil
	}))
	errs, err := s.ValidateOutbox(ctx, "CA")
	require.NoError(t, err)
	require.Len(t, errs, 1)

	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "still works"})
	walk(t, s, "CA", "T1", models.StatusInProgress, models.StatusReadyForReview, models.StatusCompleted)
	_, err = s.PromoteToHistory(ctx, "CA", "T1", models.HistorySpec{})
	require.NoError(t, err)
}

func TestLockTimeout(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, WithLockTimeout(50*time.Millisecond))
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustAgent(t, s, "CB")

	unlock, err := s.locks.Lock(ctx, "CA", 0)
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, "CA", models.TaskSpec{Title: "blocked"})
	var lt *outbox.LockTimeoutError
	require.ErrorAs(t, err, &lt)
	assert.Equal(t, "CA", lt.AgentID)
	assert.Equal(t, 50*time.Millisecond, lt.Timeout)

	_, err = s.GetAgentOutbox(ctx, "CA")
	assert.True(t, outbox.IsLockTimeout(err))

	_, err = s.CreateTask(ctx, "CB", models.TaskSpec{Title: "independent"})
	require.NoError(t, err, "other agents are unaffected")

	unlock()
	o, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Empty(t, o.Tasks)
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) Update(context.Context, string, func(*models.Outbox) error) error {
	return f.err
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	_, st := newService(t)
	ctx := context.Background()
	ioErr := errors.New("disk on fire")
	s := New(failingStore{Store: st, err: ioErr})
	mustAgent(t, s, "CA")

	_, err := s.CreateTask(ctx, "CA", models.TaskSpec{Title: "x"})
	var se *outbox.StorageError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, ioErr)
	assert.Equal(t, outbox.OpCreateTask, se.Op)

	s = New(failingStore{Store: st, err: fmt.Errorf("wrapped: %w", store.ErrLocked)})
	_, err = s.CreateTask(ctx, "CA", models.TaskSpec{Title: "x"})
	assert.True(t, outbox.IsLockTimeout(err))
}

func TestEventsPublishedOnCommitOnly(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s, _ := newService(t, WithPublisher(rec))
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "x"})
	walk(t, s, "CA", "T1", models.StatusInProgress)
	_, err := s.TransitionTask(ctx, "CA", "T1", models.StatusCompleted)
	require.Error(t, err)

	assert.Equal(t, []string{EventAgentCreated, EventTaskCreated, EventTaskTransitioned}, rec.types())
}

func TestGeneratedIDs(t *testing.T) {
	t.Parallel()
	a, b := NewTaskID(), NewTaskID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^T-[0-9A-HJKMNP-TV-Z]{26}$`, a)
}

func TestExtendsHistory(t *testing.T) {
	t.Parallel()
	h1 := models.HistoryEntry{TaskID: "T1", Status: models.StatusCompleted}
	h2 := models.HistoryEntry{TaskID: "T2", Status: models.StatusFailed}
	assert.True(t, extendsHistory(nil, []models.HistoryEntry{h1}))
	assert.True(t, extendsHistory([]models.HistoryEntry{h1}, []models.HistoryEntry{h1, h2}))
	assert.False(t, extendsHistory([]models.HistoryEntry{h1, h2}, []models.HistoryEntry{h1}))
	assert.False(t, extendsHistory([]models.HistoryEntry{h1}, []models.HistoryEntry{h2, h1}))
}

func TestPublishersFanOut(t *testing.T) {
	t.Parallel()
	a, b := &recorder{}, &recorder{}
	Publishers{a, nil, b}.PublishJSON(Event{Type: EventTaskCreated, AgentID: "CA"})
	assert.Equal(t, []string{EventTaskCreated}, a.types())
	assert.Equal(t, []string{EventTaskCreated}, b.types())
}

func TestCreateTask_SameIDAcrossAgentsConcurrently(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	agents := []string{"CA", "CB", "CC"}
	for _, a := range agents {
		mustAgent(t, s, a)
	}

	for round := 0; round < 50; round++ {
		id := fmt.Sprintf("R%d", round)
		var wg sync.WaitGroup
		errs := make([]error, len(agents))
		for i, a := range agents {
			wg.Add(1)
			go func(i int, a string) {
				defer wg.Done()
				_, errs[i] = s.CreateTask(ctx, a, models.TaskSpec{TaskID: id, Title: id})
			}(i, a)
		}
		wg.Wait()

		created := 0
		for _, err := range errs {
			if err == nil {
				created++
				continue
			}
			assert.True(t, outbox.IsDuplicate(err), "round %d: %v", round, err)
		}
		require.Equal(t, 1, created, "round %d: id created %d times", round, created)

		owners := 0
		for _, a := range agents {
			o, err := s.GetAgentOutbox(ctx, a)
			require.NoError(t, err)
			if o.HasTaskID(id) {
				owners++
			}
		}
		require.Equal(t, 1, owners, "round %d", round)
	}
}

func TestCreateTask_UnreadableOutboxBlocksNamedID(t *testing.T) {
	t.Parallel()
	s, st := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustAgent(t, s, "CB")
	fs, ok := st.(*store.FileStore)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "CB.json"), []byte("{broken"), 0o644))

	_, err := s.CreateTask(ctx, "CA", models.TaskSpec{TaskID: "T1", Title: "x"})
	require.Error(t, err)
	assert.Equal(t, outbox.KindStorage, outbox.Kind(err))
	o, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Empty(t, o.Tasks)

	// Generated ids cannot collide, so no cross-agent scan is needed.
	_, err = s.CreateTask(ctx, "CA", models.TaskSpec{Title: "y"})
	require.NoError(t, err)
}

func TestPromote_NonFiniteMetricIsValidationError(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()
	mustAgent(t, s, "CA")
	mustTask(t, s, "CA", models.TaskSpec{TaskID: "T1", Title: "x"})
	walk(t, s, "CA", "T1", models.StatusInProgress, models.StatusFailed)

	for _, v := range []any{math.NaN(), math.Inf(1), float32(math.Inf(-1))} {
		_, err := s.PromoteToHistory(ctx, "CA", "T1", models.HistorySpec{Metrics: map[string]any{"cov": v}})
		require.Error(t, err)
		assert.Equal(t, outbox.KindValidation, outbox.Kind(err), "metric %v", v)
	}
	o, err := s.GetAgentOutbox(ctx, "CA")
	require.NoError(t, err)
	assert.Empty(t, o.History)
	assert.Equal(t, 0, o.FindTask("T1"))
}
