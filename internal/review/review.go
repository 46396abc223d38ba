// Package review implements the reviewer checkpoint between ready_for_review and
// history: approve, send back for changes, or reject.
package review

import (
	"context"
	"fmt"
	"sort"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

// Outcome is a reviewer's decision.
type Outcome string

const (
	Approve          Outcome = "approve"
	ChangesRequested Outcome = "changes_requested"
	Reject           Outcome = "reject"
)

// ParseOutcome accepts the canonical names plus a few common spellings.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "approve", "approved":
		return Approve, nil
	case "changes", "changes_requested", "request_changes", "rework":
		return ChangesRequested, nil
	case "reject", "rejected":
		return Reject, nil
	}
	return "", fmt.Errorf("unknown review outcome %q (want approve, changes or reject)", s)
}

// Coordinator is the subset of coord.Service used by reviews.
type Coordinator interface {
	ListAgents(ctx context.Context) ([]string, error)
	GetAgentOutbox(ctx context.Context, agentID string) (*models.Outbox, error)
	TransitionTask(ctx context.Context, agentID, taskID string, to models.Status) (*models.Task, error)
	PromoteToHistory(ctx context.Context, agentID, taskID string, spec models.HistorySpec) (*models.HistoryEntry, error)
}

// Decision carries the reviewer's notes. For approve and reject they become the
// history entry.
type Decision struct {
	Reviewer          string
	Summary           string
	CompletionMessage string
	Files             models.HistoryFiles
	Metrics           map[string]any
}

// Result reports what a review did. Entry is set when the task was archived.
type Result struct {
	Outcome Outcome              `json:"outcome"`
	Task    *models.Task         `json:"task,omitempty"`
	Entry   *models.HistoryEntry `json:"entry,omitempty"`
}

// Submit applies outcome to a task of agentID.
//
// Approve moves ready_for_review to completed and archives the task. Reject moves the
// task to failed and archives it. ChangesRequested sends it back to in_progress.
// A task already in the target terminal state is archived without a second
// transition, so a review interrupted between the two steps can be retried.
func Submit(ctx context.Context, c Coordinator, agentID, taskID string, outcome Outcome, d Decision) (*Result, error) {
	var target models.Status
	switch outcome {
	case Approve:
		target = models.StatusCompleted
	case Reject:
		target = models.StatusFailed
	case ChangesRequested:
		target = models.StatusInProgress
	default:
		return nil, fmt.Errorf("unknown review outcome %q", outcome)
	}
	if d.Reviewer == "" {
		reviewer, err := PickReviewer(ctx, c, agentID)
		if err != nil {
			return nil, err
		}
		d.Reviewer = reviewer
	}

	o, err := c.GetAgentOutbox(ctx, agentID)
	if err != nil {
		return nil, err
	}
	idx := o.FindTask(taskID)
	if idx < 0 {
		if o.FindHistory(taskID) >= 0 {
			return nil, &outbox.PreconditionError{Op: outbox.OpPromote, AgentID: agentID, TaskID: taskID,
				Status: o.History[o.FindHistory(taskID)].Status, Reason: "task was already reviewed and archived"}
		}
		return nil, &outbox.NotFoundError{Op: outbox.OpTransitionTask, AgentID: agentID, TaskID: taskID}
	}

	res := &Result{Outcome: outcome}
	task := o.Tasks[idx].Clone()
	res.Task = &task
	if task.Status != target || target == models.StatusInProgress {
		res.Task, err = c.TransitionTask(ctx, agentID, taskID, target)
		if err != nil {
			return nil, err
		}
	}
	if outcome == ChangesRequested {
		return res, nil
	}

	res.Entry, err = c.PromoteToHistory(ctx, agentID, taskID, models.HistorySpec{
		Summary:           d.Summary,
		CompletionMessage: d.CompletionMessage,
		ReviewedBy:        d.Reviewer,
		Files:             d.Files,
		Metrics:           d.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PickReviewer chooses an agent to review work of author. It prefers human and hybrid
// agents, then the one sharing the most expertise with the author; ties break on
// agent id. It returns "" when no other agent exists.
func PickReviewer(ctx context.Context, c Coordinator, author string) (string, error) {
	ids, err := c.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	var authorTags map[string]bool
	if a, err := c.GetAgentOutbox(ctx, author); err == nil {
		authorTags = make(map[string]bool, len(a.Expertise))
		for _, t := range a.Expertise {
			authorTags[t] = true
		}
	}

	type candidate struct {
		id      string
		human   bool
		overlap int
	}
	var cands []candidate
	for _, id := range ids {
		if id == author {
			continue
		}
		o, err := c.GetAgentOutbox(ctx, id)
		if err != nil {
			continue
		}
		cand := candidate{id: id, human: o.AgentType == models.AgentTypeHuman || o.AgentType == models.AgentTypeHybrid}
		for _, t := range o.Expertise {
			if authorTags[t] {
				cand.overlap++
			}
		}
		cands = append(cands, cand)
	}
	if len(cands) == 0 {
		return "", nil
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.human != b.human {
			return a.human
		}
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		return a.id < b.id
	})
	return cands[0].id, nil
}
