// Package progress computes the sprint progress view over outbox snapshots.
package progress

import (
	"fmt"
	"sort"
	"time"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

// Compute aggregates snaps into a SprintProgress. It never modifies its input and
// tolerates inconsistent outboxes: problems are reported as anomalies alongside the
// numbers. A task id counts once even when it appears in both tasks and history, in
// which case the archived status wins.
func Compute(snaps []*models.Outbox, now time.Time) *models.SprintProgress {
	p := &models.SprintProgress{
		Agents:      []string{},
		PerAgent:    []models.AgentProgress{},
		GeneratedAt: models.NewTimestamp(now),
	}

	effective := make(map[string]models.Status)
	owners := make(map[string][]string)

	for _, o := range snaps {
		if o == nil {
			continue
		}
		p.Agents = append(p.Agents, o.AgentID)

		status := agentStatuses(o)
		ap := models.AgentProgress{AgentID: o.AgentID, Total: len(status)}
		for id, st := range status {
			count(&ap, st)
			if prev, ok := effective[id]; !ok || (st.Terminal() && !prev.Terminal()) {
				effective[id] = st
			}
			owners[id] = append(owners[id], o.AgentID)
		}
		p.PerAgent = append(p.PerAgent, ap)

		for _, v := range outbox.Validate(o) {
			p.Anomalies = append(p.Anomalies, models.Anomaly{
				AgentID: o.AgentID,
				TaskID:  v.TaskID,
				Field:   v.Field,
				Message: v.Message,
			})
		}
	}

	p.TotalTasks = len(effective)
	for _, st := range effective {
		if st == models.StatusCompleted {
			p.CompletedTasks++
		}
	}
	if p.TotalTasks > 0 {
		p.CompletionRatio = float64(p.CompletedTasks) / float64(p.TotalTasks)
	}

	dupIDs := make([]string, 0)
	for id, agents := range owners {
		if len(agents) > 1 {
			dupIDs = append(dupIDs, id)
		}
	}
	sort.Strings(dupIDs)
	for _, id := range dupIDs {
		agents := owners[id]
		for _, a := range agents[1:] {
			p.Anomalies = append(p.Anomalies, models.Anomaly{
				AgentID: a,
				TaskID:  id,
				Field:   "task_id",
				Message: fmt.Sprintf("task id is also owned by agent %s", agents[0]),
			})
		}
	}
	return p
}

// agentStatuses returns the effective status of each distinct task id in o.
func agentStatuses(o *models.Outbox) map[string]models.Status {
	out := make(map[string]models.Status, len(o.Tasks)+len(o.History))
	for _, t := range o.Tasks {
		if t.TaskID == "" {
			continue
		}
		out[t.TaskID] = t.Status
	}
	for _, h := range o.History {
		if h.TaskID == "" {
			continue
		}
		out[h.TaskID] = h.Status
	}
	return out
}

func count(ap *models.AgentProgress, st models.Status) {
	switch st {
	case models.StatusPending:
		ap.Pending++
	case models.StatusInProgress:
		ap.InProgress++
	case models.StatusReadyForReview:
		ap.ReadyForReview++
	case models.StatusBlocked:
		ap.Blocked++
	case models.StatusCompleted:
		ap.Completed++
	case models.StatusFailed:
		ap.Failed++
	}
}

// StatusCounts returns the number of distinct tasks per status across snaps.
func StatusCounts(snaps []*models.Outbox) map[string]int64 {
	out := make(map[string]int64, len(models.Statuses))
	for _, st := range models.Statuses {
		out[string(st)] = 0
	}
	for _, o := range snaps {
		if o == nil {
			continue
		}
		for _, st := range agentStatuses(o) {
			if st.Valid() {
				out[string(st)]++
			}
		}
	}
	return out
}
