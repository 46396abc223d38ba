// Package models provides shared types for the taskcoord record format, HTTP API and
// external tools. These types mirror the persisted JSON and are stable for use by
// pkg/client and other consumers.
package models

// Outbox is one agent's record: its active task queue and its archived history.
type Outbox struct {
	AgentID   string         `json:"agent_id"`
	AgentName string         `json:"agent_name"`
	AgentType AgentType      `json:"agent_type"`
	Version   string         `json:"version"`
	Expertise []string       `json:"expertise"`
	Tasks     []Task         `json:"tasks"`
	History   []HistoryEntry `json:"history"`
	Metadata  OutboxMetadata `json:"metadata"`
}

// OutboxMetadata is updated on every mutation of the outbox.
type OutboxMetadata struct {
	LastUpdated         Timestamp `json:"last_updated"`
	TotalTasksCompleted int       `json:"total_tasks_completed"`
}

// Task is a unit of work assigned to one agent. Tasks are kept in creation order.
type Task struct {
	TaskID         string     `json:"task_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         Status     `json:"status"`
	Priority       Priority   `json:"priority"`
	CreatedAt      Timestamp  `json:"created_at"`
	StartedAt      *Timestamp `json:"started_at,omitempty"`
	CompletedAt    *Timestamp `json:"completed_at,omitempty"`
	EstimatedHours *float64   `json:"estimated_hours,omitempty"`
	ActualHours    *float64   `json:"actual_hours,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	Deliverables   []string   `json:"deliverables,omitempty"`
}

// HistoryEntry is the archived, immutable record of a finished task. It carries the
// task's own timestamps so lifecycle ordering can be audited after archival.
type HistoryEntry struct {
	TaskID            string         `json:"task_id"`
	Title             string         `json:"title,omitempty"`
	Priority          Priority       `json:"priority,omitempty"`
	Timestamp         Timestamp      `json:"timestamp"`
	Status            Status         `json:"status"`
	Summary           string         `json:"summary,omitempty"`
	CompletionMessage string         `json:"completion_message,omitempty"`
	ReviewedBy        string         `json:"reviewed_by,omitempty"`
	Files             HistoryFiles   `json:"files"`
	Metrics           map[string]any `json:"metrics,omitempty"`
	CreatedAt         *Timestamp     `json:"created_at,omitempty"`
	StartedAt         *Timestamp     `json:"started_at,omitempty"`
	CompletedAt       *Timestamp     `json:"completed_at,omitempty"`
	EstimatedHours    *float64       `json:"estimated_hours,omitempty"`
	ActualHours       *float64       `json:"actual_hours,omitempty"`
}

// HistoryFiles lists paths touched by a finished task (informational).
type HistoryFiles struct {
	Created  []string `json:"created,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// AgentSpec registers a new agent outbox.
type AgentSpec struct {
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	AgentType AgentType `json:"agent_type"`
	Version   string    `json:"version,omitempty"`
	Expertise []string  `json:"expertise,omitempty"`
}

// TaskSpec is the input to task creation. TaskID is optional.
type TaskSpec struct {
	TaskID         string   `json:"task_id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         Status   `json:"status,omitempty"`
	Priority       Priority `json:"priority"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	ActualHours    *float64 `json:"actual_hours,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	Deliverables   []string `json:"deliverables,omitempty"`
}

// TaskPatch edits the mutable, non-lifecycle fields of an active task.
// Nil fields are left unchanged.
type TaskPatch struct {
	Title          *string   `json:"title,omitempty"`
	Description    *string   `json:"description,omitempty"`
	Priority       *Priority `json:"priority,omitempty"`
	EstimatedHours *float64  `json:"estimated_hours,omitempty"`
	ActualHours    *float64  `json:"actual_hours,omitempty"`
	Dependencies   *[]string `json:"dependencies,omitempty"`
	Deliverables   *[]string `json:"deliverables,omitempty"`
}

// HistorySpec carries the reviewer-supplied fields of a history entry.
type HistorySpec struct {
	Summary           string         `json:"summary,omitempty"`
	CompletionMessage string         `json:"completion_message,omitempty"`
	ReviewedBy        string         `json:"reviewed_by,omitempty"`
	Files             HistoryFiles   `json:"files"`
	Metrics           map[string]any `json:"metrics,omitempty"`
}

// SprintProgress is a derived, read-only aggregate over a set of outboxes.
type SprintProgress struct {
	Agents          []string        `json:"agents"`
	TotalTasks      int             `json:"total_tasks"`
	CompletedTasks  int             `json:"completed_tasks"`
	CompletionRatio float64         `json:"completion_ratio"`
	PerAgent        []AgentProgress `json:"per_agent"`
	Anomalies       []Anomaly       `json:"anomalies,omitempty"`
	GeneratedAt     Timestamp       `json:"generated_at"`
}

// AgentProgress is the per-agent status breakdown within a SprintProgress.
type AgentProgress struct {
	AgentID        string `json:"agent_id"`
	Total          int    `json:"total"`
	Pending        int    `json:"pending"`
	InProgress     int    `json:"in_progress"`
	ReadyForReview int    `json:"ready_for_review"`
	Blocked        int    `json:"blocked"`
	Completed      int    `json:"completed"`
	Failed         int    `json:"failed"`
}

// Anomaly is a consistency problem found while aggregating.
type Anomaly struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}
