package models

import "strings"

// Status is the lifecycle state of a task.
type Status string

// Task statuses used throughout the codebase.
const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusReadyForReview Status = "ready_for_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusBlocked        Status = "blocked"
)

// Statuses lists every task status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusReadyForReview,
	StatusBlocked,
	StatusCompleted,
	StatusFailed,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the task lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts any casing and surrounding whitespace.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}

// Priority is a display and sorting hint; the store never acts on it.
type Priority string

// Task priorities.
const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Priorities lists every priority from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	for _, v := range Priorities {
		if p == v {
			return true
		}
	}
	return false
}

// Rank orders priorities for sorting; unknown priorities rank lowest.
func (p Priority) Rank() int {
	for i, v := range Priorities {
		if p == v {
			return i + 1
		}
	}
	return 0
}

// ParsePriority accepts any casing and surrounding whitespace.
func ParsePriority(v string) (Priority, bool) {
	p := Priority(strings.ToUpper(strings.TrimSpace(v)))
	return p, p.Valid()
}

// AgentType classifies the participant that owns an outbox.
type AgentType string

// Agent types.
const (
	AgentTypeAI     AgentType = "ai"
	AgentTypeHuman  AgentType = "human"
	AgentTypeHybrid AgentType = "hybrid"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeAI, AgentTypeHuman, AgentTypeHybrid:
		return true
	}
	return false
}

// ParseAgentType accepts any casing and surrounding whitespace.
func ParseAgentType(v string) (AgentType, bool) {
	t := AgentType(strings.ToLower(strings.TrimSpace(v)))
	return t, t.Valid()
}

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultSSEChannelBuffer    = 256
)
