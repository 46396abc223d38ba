// Package outbox defines the outbox record schema: validation rules, the JSON codec
// with legacy-shape migration, and the error taxonomy shared by every layer.
package outbox

import (
	"fmt"
	"math"
	"regexp"

	"github.com/ankittk/taskcoord/pkg/models"
)

var (
	agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
	taskIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	semverPattern  = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// validator collects violations for one outbox.
type validator struct {
	agentID string
	errs    ValidationErrors
}

func (v *validator) add(taskID, field, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{
		AgentID: v.agentID,
		TaskID:  taskID,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate re-checks a whole outbox and returns every violation found.
// It never modifies o.
func Validate(o *models.Outbox) ValidationErrors {
	if o == nil {
		return ValidationErrors{{Field: "outbox", Message: "missing"}}
	}
	v := &validator{agentID: o.AgentID}

	if !agentIDPattern.MatchString(o.AgentID) {
		v.add("", "agent_id", "must match %s", agentIDPattern.String())
	}
	if o.AgentName == "" {
		v.add("", "agent_name", "required")
	}
	if !o.AgentType.Valid() {
		v.add("", "agent_type", "must be one of ai, human, hybrid (got %q)", o.AgentType)
	}
	if !semverPattern.MatchString(o.Version) {
		v.add("", "version", "must be a semantic version (got %q)", o.Version)
	}
	seenTags := make(map[string]bool, len(o.Expertise))
	for i, tag := range o.Expertise {
		field := fmt.Sprintf("expertise[%d]", i)
		if tag == "" {
			v.add("", field, "must not be empty")
			continue
		}
		if seenTags[tag] {
			v.add("", field, "duplicate tag %q", tag)
		}
		seenTags[tag] = true
	}

	active := make(map[string]bool, len(o.Tasks))
	for i := range o.Tasks {
		t := &o.Tasks[i]
		if t.TaskID != "" && active[t.TaskID] {
			v.add(t.TaskID, entryField("tasks", i, t.TaskID)+".task_id", "duplicate task id")
		}
		active[t.TaskID] = true
		v.task(i, t)
	}

	archived := make(map[string]bool, len(o.History))
	completed := 0
	for i := range o.History {
		h := &o.History[i]
		field := entryField("history", i, h.TaskID)
		if h.TaskID == "" {
			v.add("", field+".task_id", "required")
		} else {
			if archived[h.TaskID] {
				v.add(h.TaskID, field+".task_id", "duplicate history entry")
			}
			if active[h.TaskID] {
				v.add(h.TaskID, field+".task_id", "task is both active and archived")
			}
		}
		archived[h.TaskID] = true
		if !h.Status.Terminal() {
			v.add(h.TaskID, field+".status", "must be completed or failed (got %q)", h.Status)
		}
		if h.Status == models.StatusCompleted {
			completed++
		}
		if h.Timestamp.IsZero() {
			v.add(h.TaskID, field+".timestamp", "required")
		}
		v.ordering(h.TaskID, field, h.CreatedAt, h.StartedAt, h.CompletedAt)
		v.hours(h.TaskID, field+".estimated_hours", h.EstimatedHours)
		v.hours(h.TaskID, field+".actual_hours", h.ActualHours)
		if err := checkMetrics(h.Metrics); err != "" {
			v.add(h.TaskID, field+".metrics", "%s", err)
		}
	}

	if o.Metadata.TotalTasksCompleted < 0 {
		v.add("", "metadata.total_tasks_completed", "must not be negative")
	} else if o.Metadata.TotalTasksCompleted != completed {
		v.add("", "metadata.total_tasks_completed", "does not match the number of completed history entries")
	}
	if o.Metadata.LastUpdated.IsZero() {
		v.add("", "metadata.last_updated", "required")
	}
	return v.errs
}

func (v *validator) task(i int, t *models.Task) {
	field := entryField("tasks", i, t.TaskID)
	if !taskIDPattern.MatchString(t.TaskID) {
		v.add(t.TaskID, field+".task_id", "must match %s", taskIDPattern.String())
	}
	if t.Title == "" {
		v.add(t.TaskID, field+".title", "required")
	}
	if !t.Status.Valid() {
		v.add(t.TaskID, field+".status", "unknown status %q", t.Status)
	}
	if !t.Priority.Valid() {
		v.add(t.TaskID, field+".priority", "must be one of LOW, MEDIUM, HIGH, CRITICAL (got %q)", t.Priority)
	}
	if t.CreatedAt.IsZero() {
		v.add(t.TaskID, field+".created_at", "required")
	}
	created := t.CreatedAt
	v.ordering(t.TaskID, field, &created, t.StartedAt, t.CompletedAt)

	switch {
	case t.Status.Terminal() && t.CompletedAt == nil:
		v.add(t.TaskID, field+".completed_at", "required once the task is %s", t.Status)
	case !t.Status.Terminal() && t.CompletedAt != nil:
		v.add(t.TaskID, field+".completed_at", "must be unset while the task is %s", t.Status)
	}
	switch t.Status {
	case models.StatusInProgress, models.StatusReadyForReview, models.StatusCompleted:
		if t.StartedAt == nil {
			v.add(t.TaskID, field+".started_at", "required once the task is %s", t.Status)
		}
	case models.StatusPending:
		if t.StartedAt != nil {
			v.add(t.TaskID, field+".started_at", "must be unset while the task is pending")
		}
	}
	v.hours(t.TaskID, field+".estimated_hours", t.EstimatedHours)
	v.hours(t.TaskID, field+".actual_hours", t.ActualHours)
	v.dependencies(t.TaskID, field, t.Dependencies)
}

func (v *validator) ordering(taskID, field string, created, started, completed *models.Timestamp) {
	if created != nil && started != nil && !created.IsZero() && started.Before(*created) {
		v.add(taskID, field+".started_at", "is before created_at")
	}
	if started != nil && completed != nil && completed.Before(*started) {
		v.add(taskID, field+".completed_at", "is before started_at")
	}
	if created != nil && completed != nil && !created.IsZero() && completed.Before(*created) {
		v.add(taskID, field+".completed_at", "is before created_at")
	}
}

func (v *validator) hours(taskID, field string, h *float64) {
	if h == nil {
		return
	}
	if *h < 0 || math.IsNaN(*h) || math.IsInf(*h, 0) {
		v.add(taskID, field, "must be a non-negative number")
	}
}

func (v *validator) dependencies(taskID, field string, deps []string) {
	seen := make(map[string]bool, len(deps))
	for i, d := range deps {
		f := fmt.Sprintf("%s.dependencies[%d]", field, i)
		switch {
		case d == "":
			v.add(taskID, f, "must not be empty")
		case d == taskID:
			v.add(taskID, f, "task cannot depend on itself")
		case seen[d]:
			v.add(taskID, f, "duplicate dependency %q", d)
		}
		seen[d] = true
	}
}

// ValidateAgentSpec checks the input to agent registration.
func ValidateAgentSpec(spec models.AgentSpec) ValidationErrors {
	v := &validator{agentID: spec.AgentID}
	if !agentIDPattern.MatchString(spec.AgentID) {
		v.add("", "agent_id", "must match %s", agentIDPattern.String())
	}
	if spec.AgentName == "" {
		v.add("", "agent_name", "required")
	}
	if !spec.AgentType.Valid() {
		v.add("", "agent_type", "must be one of ai, human, hybrid (got %q)", spec.AgentType)
	}
	if spec.Version != "" && !semverPattern.MatchString(spec.Version) {
		v.add("", "version", "must be a semantic version (got %q)", spec.Version)
	}
	return v.errs
}

// ValidateTaskSpec checks the input to task creation. An empty priority is accepted
// and defaulted by the caller.
func ValidateTaskSpec(agentID string, spec models.TaskSpec) ValidationErrors {
	v := &validator{agentID: agentID}
	if spec.TaskID != "" && !taskIDPattern.MatchString(spec.TaskID) {
		v.add(spec.TaskID, "task_id", "must match %s", taskIDPattern.String())
	}
	if spec.Title == "" {
		v.add(spec.TaskID, "title", "required")
	}
	if spec.Priority != "" && !spec.Priority.Valid() {
		v.add(spec.TaskID, "priority", "must be one of LOW, MEDIUM, HIGH, CRITICAL (got %q)", spec.Priority)
	}
	switch {
	case spec.Status == "":
	case !spec.Status.Valid():
		v.add(spec.TaskID, "status", "unknown status %q", spec.Status)
	case spec.Status != models.StatusPending:
		v.add(spec.TaskID, "status", "new tasks start as pending (got %q)", spec.Status)
	}
	v.hours(spec.TaskID, "estimated_hours", spec.EstimatedHours)
	v.hours(spec.TaskID, "actual_hours", spec.ActualHours)
	v.dependencies(spec.TaskID, "task", spec.Dependencies)
	return v.errs
}

// ValidateTaskPatch checks an edit of an existing task's mutable fields.
func ValidateTaskPatch(agentID, taskID string, p models.TaskPatch) ValidationErrors {
	v := &validator{agentID: agentID}
	if p.Title != nil && *p.Title == "" {
		v.add(taskID, "title", "must not be empty")
	}
	if p.Priority != nil && !p.Priority.Valid() {
		v.add(taskID, "priority", "must be one of LOW, MEDIUM, HIGH, CRITICAL (got %q)", *p.Priority)
	}
	v.hours(taskID, "estimated_hours", p.EstimatedHours)
	v.hours(taskID, "actual_hours", p.ActualHours)
	if p.Dependencies != nil {
		v.dependencies(taskID, "task", *p.Dependencies)
	}
	return v.errs
}

// ValidateHistorySpec checks and normalises reviewer-supplied history fields.
// Integer metric values are widened to float64 so records round-trip exactly.
func ValidateHistorySpec(agentID, taskID string, spec *models.HistorySpec) ValidationErrors {
	v := &validator{agentID: agentID}
	if spec.ReviewedBy != "" && !agentIDPattern.MatchString(spec.ReviewedBy) {
		v.add(taskID, "reviewed_by", "must match %s", agentIDPattern.String())
	}
	for k, val := range spec.Metrics {
		n, ok := normaliseMetric(val)
		if !ok {
			v.add(taskID, "metrics."+k, "must be a finite number, string or boolean")
			continue
		}
		spec.Metrics[k] = n
	}
	return v.errs
}

// Introduced returns the violations in after that were not already present in before.
func Introduced(before, after ValidationErrors) ValidationErrors {
	seen := make(map[string]int, len(before))
	for _, e := range before {
		seen[e.key()]++
	}
	var out ValidationErrors
	for _, e := range after {
		if seen[e.key()] > 0 {
			seen[e.key()]--
			continue
		}
		out = append(out, e)
	}
	return out
}

// entryField names a collection element by task id so that field paths stay stable
// when other entries are added or removed.
func entryField(collection string, i int, taskID string) string {
	if taskID == "" {
		return fmt.Sprintf("%s[#%d]", collection, i)
	}
	return fmt.Sprintf("%s[%s]", collection, taskID)
}

func checkMetrics(m map[string]any) string {
	for k, val := range m {
		switch n := val.(type) {
		case float64:
			if !finite(n) {
				return fmt.Sprintf("value of %q is not a finite number", k)
			}
		case string, bool, nil:
		default:
			return fmt.Sprintf("value of %q has unsupported type %T", k, val)
		}
	}
	return ""
}

func normaliseMetric(val any) (any, bool) {
	switch n := val.(type) {
	case nil:
		return nil, true
	case string, bool:
		return n, true
	case float64:
		return n, finite(n)
	case float32:
		return float64(n), finite(float64(n))
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return nil, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
