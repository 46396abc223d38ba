package coord

import (
	"context"
	"errors"
	"sort"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/internal/workflow"
	"github.com/ankittk/taskcoord/pkg/models"
)

// CreateAgent registers an agent with an empty outbox.
func (s *Service) CreateAgent(ctx context.Context, spec models.AgentSpec) (out *models.Outbox, err error) {
	op := outbox.OpCreateAgent
	defer func() { s.finish(ctx, op, spec.AgentID, err) }()

	if errs := outbox.ValidateAgentSpec(spec); len(errs) > 0 {
		return nil, errs.WithOp(op, spec.AgentID)
	}
	unlock, err := s.acquire(ctx, op, spec.AgentID, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o := outbox.NewOutbox(spec, s.now())
	if err := s.store.Create(ctx, o); err != nil {
		return nil, s.storeErr(op, spec.AgentID, err)
	}
	s.log.Info("agent created", "agent_id", spec.AgentID, "agent_type", spec.AgentType)
	s.publish(Event{Type: EventAgentCreated, AgentID: spec.AgentID, At: o.Metadata.LastUpdated})
	return o.Clone(), nil
}

// ListAgents returns every registered agent id in ascending order.
func (s *Service) ListAgents(ctx context.Context) ([]string, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return nil, &outbox.StorageError{Op: outbox.OpGetOutbox, Err: err}
	}
	return ids, nil
}

// CreateTask appends a pending task to agentID's outbox and returns its id.
// A caller-supplied id must not be in use by any task, active or archived, of any
// agent; without one a fresh id is generated. Priority defaults to MEDIUM.
func (s *Service) CreateTask(ctx context.Context, agentID string, spec models.TaskSpec) (taskID string, err error) {
	op := outbox.OpCreateTask
	defer func() { s.finish(ctx, op, agentID, err) }()

	if errs := outbox.ValidateTaskSpec(agentID, spec); len(errs) > 0 {
		return "", errs.WithOp(op, agentID)
	}
	taskID = spec.TaskID
	if taskID == "" {
		taskID = s.newID()
	} else {
		release, err := s.reserveTaskID(ctx, op, agentID, taskID)
		if err != nil {
			return "", err
		}
		defer release()
		owner, err := s.ownerElsewhere(ctx, agentID, taskID)
		if err != nil {
			return "", err
		}
		if owner != "" {
			s.log.Debug("task id owned by another agent", "agent_id", agentID, "task_id", taskID, "owner", owner)
			return "", &outbox.DuplicateError{Op: op, AgentID: owner, TaskID: taskID}
		}
	}
	priority := spec.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	err = s.mutate(ctx, op, agentID, func(o *models.Outbox, now models.Timestamp) error {
		if o.HasTaskID(taskID) {
			return &outbox.DuplicateError{Op: op, AgentID: agentID, TaskID: taskID}
		}
		o.Tasks = append(o.Tasks, models.Task{
			TaskID:         taskID,
			Title:          spec.Title,
			Description:    spec.Description,
			Status:         workflow.Initial(),
			Priority:       priority,
			CreatedAt:      now,
			EstimatedHours: copyFloat(spec.EstimatedHours),
			ActualHours:    copyFloat(spec.ActualHours),
			Dependencies:   copyStrings(spec.Dependencies),
			Deliverables:   copyStrings(spec.Deliverables),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("task created", "agent_id", agentID, "task_id", taskID, "priority", priority)
	s.publish(Event{Type: EventTaskCreated, AgentID: agentID, TaskID: taskID, Status: models.StatusPending, At: s.timestamp()})
	return taskID, nil
}

// ownerElsewhere returns the agent other than agentID that already uses taskID.
// An outbox removed since the listing is skipped; any other read failure is
// returned, since the unreadable outbox might hold the id.
func (s *Service) ownerElsewhere(ctx context.Context, agentID, taskID string) (string, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return "", &outbox.StorageError{Op: outbox.OpCreateTask, AgentID: agentID, Err: err}
	}
	for _, id := range ids {
		if id == agentID {
			continue
		}
		o, err := s.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("cannot check task id against outbox", "agent_id", id, "task_id", taskID, "err", err)
			return "", s.storeErr(outbox.OpCreateTask, id, err)
		}
		if o.HasTaskID(taskID) {
			return id, nil
		}
	}
	return "", nil
}

// TransitionTask moves a task along the lifecycle graph. started_at is set the first
// time the task starts work; completed_at is set on entering a terminal status.
func (s *Service) TransitionTask(ctx context.Context, agentID, taskID string, to models.Status) (task *models.Task, err error) {
	op := outbox.OpTransitionTask
	defer func() { s.finish(ctx, op, agentID, err) }()

	if !to.Valid() {
		return nil, outbox.ValidationErrors{{
			AgentID: agentID, TaskID: taskID, Field: "status",
			Message: "unknown status " + string(to),
		}}.WithOp(op, agentID)
	}

	var from models.Status
	err = s.mutate(ctx, op, agentID, func(o *models.Outbox, now models.Timestamp) error {
		idx := o.FindTask(taskID)
		if idx < 0 {
			if h := o.FindHistory(taskID); h >= 0 {
				st := o.History[h].Status
				return &outbox.InvalidTransitionError{Op: op, AgentID: agentID, TaskID: taskID, From: st, To: to, Allowed: workflow.Allowed(st)}
			}
			return s.notFoundTask(op, agentID, taskID)
		}
		t := &o.Tasks[idx]
		from = t.Status
		if !workflow.CanTransition(from, to) {
			return &outbox.InvalidTransitionError{Op: op, AgentID: agentID, TaskID: taskID, From: from, To: to, Allowed: workflow.Allowed(from)}
		}
		t.Status = to
		switch to {
		case models.StatusInProgress, models.StatusReadyForReview, models.StatusCompleted:
			if t.StartedAt == nil {
				t.StartedAt = now.Ptr()
			}
		}
		if workflow.IsTerminal(to) {
			t.CompletedAt = now.Ptr()
		}
		c := t.Clone()
		task = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task transitioned", "agent_id", agentID, "task_id", taskID, "from", from, "to", to)
	s.publish(Event{Type: EventTaskTransitioned, AgentID: agentID, TaskID: taskID, From: from, Status: to, At: s.timestamp()})

	if from == models.StatusPending && len(task.Dependencies) > 0 {
		if unmet, derr := s.UnmetDependencies(ctx, agentID, taskID); derr == nil && len(unmet) > 0 {
			s.log.Warn("task started with unmet dependencies", "agent_id", agentID, "task_id", taskID, "unmet", unmet)
		}
	}
	return task, nil
}

// PromoteToHistory moves a completed or failed task from tasks to history.
// The completion counter grows only for completed tasks.
func (s *Service) PromoteToHistory(ctx context.Context, agentID, taskID string, spec models.HistorySpec) (entry *models.HistoryEntry, err error) {
	op := outbox.OpPromote
	defer func() { s.finish(ctx, op, agentID, err) }()

	spec = cloneHistorySpec(spec)
	if errs := outbox.ValidateHistorySpec(agentID, taskID, &spec); len(errs) > 0 {
		return nil, errs.WithOp(op, agentID)
	}

	err = s.mutate(ctx, op, agentID, func(o *models.Outbox, now models.Timestamp) error {
		idx := o.FindTask(taskID)
		if idx < 0 {
			if h := o.FindHistory(taskID); h >= 0 {
				return &outbox.PreconditionError{Op: op, AgentID: agentID, TaskID: taskID, Status: o.History[h].Status, Reason: "task is already in history"}
			}
			return s.notFoundTask(op, agentID, taskID)
		}
		t := o.Tasks[idx]
		if !workflow.IsTerminal(t.Status) {
			return &outbox.PreconditionError{Op: op, AgentID: agentID, TaskID: taskID, Status: t.Status, Reason: "only completed or failed tasks can be promoted to history"}
		}
		h := models.HistoryEntry{
			TaskID:            t.TaskID,
			Title:             t.Title,
			Priority:          t.Priority,
			Timestamp:         now,
			Status:            t.Status,
			Summary:           spec.Summary,
			CompletionMessage: spec.CompletionMessage,
			ReviewedBy:        spec.ReviewedBy,
			Files:             spec.Files,
			Metrics:           spec.Metrics,
			CreatedAt:         t.CreatedAt.Ptr(),
			StartedAt:         t.StartedAt,
			CompletedAt:       t.CompletedAt,
			EstimatedHours:    t.EstimatedHours,
			ActualHours:       t.ActualHours,
		}
		o.Tasks = append(o.Tasks[:idx], o.Tasks[idx+1:]...)
		o.History = append(o.History, h)
		if h.Status == models.StatusCompleted {
			o.Metadata.TotalTasksCompleted++
		}
		c := h.Clone()
		entry = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task promoted to history", "agent_id", agentID, "task_id", taskID, "status", entry.Status)
	s.publish(Event{Type: EventTaskPromoted, AgentID: agentID, TaskID: taskID, Status: entry.Status, At: entry.Timestamp})
	return entry, nil
}

// UpdateTask edits the descriptive fields of an active task. Status and timestamps
// only change through TransitionTask.
func (s *Service) UpdateTask(ctx context.Context, agentID, taskID string, patch models.TaskPatch) (task *models.Task, err error) {
	op := outbox.OpUpdateTask
	defer func() { s.finish(ctx, op, agentID, err) }()

	if errs := outbox.ValidateTaskPatch(agentID, taskID, patch); len(errs) > 0 {
		return nil, errs.WithOp(op, agentID)
	}
	err = s.mutate(ctx, op, agentID, func(o *models.Outbox, _ models.Timestamp) error {
		idx := o.FindTask(taskID)
		if idx < 0 {
			if h := o.FindHistory(taskID); h >= 0 {
				return &outbox.PreconditionError{Op: op, AgentID: agentID, TaskID: taskID, Status: o.History[h].Status, Reason: "archived tasks are immutable"}
			}
			return s.notFoundTask(op, agentID, taskID)
		}
		t := &o.Tasks[idx]
		if patch.Title != nil {
			t.Title = *patch.Title
		}
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		if patch.Priority != nil {
			t.Priority = *patch.Priority
		}
		if patch.EstimatedHours != nil {
			t.EstimatedHours = copyFloat(patch.EstimatedHours)
		}
		if patch.ActualHours != nil {
			t.ActualHours = copyFloat(patch.ActualHours)
		}
		if patch.Dependencies != nil {
			t.Dependencies = copyStrings(*patch.Dependencies)
		}
		if patch.Deliverables != nil {
			t.Deliverables = copyStrings(*patch.Deliverables)
		}
		c := t.Clone()
		task = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task updated", "agent_id", agentID, "task_id", taskID)
	s.publish(Event{Type: EventTaskUpdated, AgentID: agentID, TaskID: taskID, Status: task.Status, At: s.timestamp()})
	return task, nil
}

// UnmetDependencies lists the dependencies of a task that are not completed in any
// agent's outbox. Dependencies are advisory: nothing blocks on the result.
func (s *Service) UnmetDependencies(ctx context.Context, agentID, taskID string) (unmet []string, err error) {
	op := outbox.OpDependencyCheck
	defer func() { s.finish(ctx, op, agentID, err) }()

	own, err := s.GetAgentOutbox(ctx, agentID)
	if err != nil {
		return nil, err
	}
	idx := own.FindTask(taskID)
	if idx < 0 {
		if own.FindHistory(taskID) >= 0 {
			return []string{}, nil
		}
		return nil, s.notFoundTask(op, agentID, taskID)
	}
	deps := own.Tasks[idx].Dependencies
	if len(deps) == 0 {
		return []string{}, nil
	}

	ids, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := s.snapshots(ctx, op, ids, true)
	if err != nil {
		return nil, err
	}
	status := statusIndex(snaps)
	unmet = []string{}
	for _, d := range deps {
		if status[d] != models.StatusCompleted {
			unmet = append(unmet, d)
		}
	}
	sort.Strings(unmet)
	return unmet, nil
}

// statusIndex maps every task id to its effective status; archived entries win over
// active copies.
func statusIndex(snaps []*models.Outbox) map[string]models.Status {
	out := make(map[string]models.Status)
	for _, o := range snaps {
		for _, t := range o.Tasks {
			if _, ok := out[t.TaskID]; !ok {
				out[t.TaskID] = t.Status
			}
		}
	}
	for _, o := range snaps {
		for _, h := range o.History {
			out[h.TaskID] = h.Status
		}
	}
	return out
}

func cloneHistorySpec(spec models.HistorySpec) models.HistorySpec {
	c := spec
	c.Files = models.HistoryFiles{
		Created:  copyStrings(spec.Files.Created),
		Modified: copyStrings(spec.Files.Modified),
	}
	c.Metrics = nil
	if len(spec.Metrics) > 0 {
		c.Metrics = make(map[string]any, len(spec.Metrics))
		for k, v := range spec.Metrics {
			c.Metrics[k] = v
		}
	}
	return c
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string(nil), in...)
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
