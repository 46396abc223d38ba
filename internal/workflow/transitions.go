// Package workflow holds the task lifecycle graph. Every status change in the store is
// checked against this table; anything not listed is rejected.
package workflow

import "github.com/ankittk/taskcoord/pkg/models"

// transitions maps a status to the statuses it may move to, in display order.
var transitions = map[models.Status][]models.Status{
	models.StatusPending: {
		models.StatusInProgress,
		models.StatusBlocked,
	},
	models.StatusInProgress: {
		models.StatusReadyForReview,
		models.StatusBlocked,
		models.StatusFailed,
	},
	models.StatusBlocked: {
		models.StatusInProgress,
		models.StatusFailed,
	},
	models.StatusReadyForReview: {
		models.StatusCompleted,
		models.StatusInProgress,
		models.StatusFailed,
	},
	models.StatusCompleted: nil,
	models.StatusFailed:    nil,
}

// Initial is the status every new task starts in.
func Initial() models.Status {
	return models.StatusPending
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Allowed returns the statuses reachable in one step from from. The slice is a copy.
func Allowed(from models.Status) []models.Status {
	next := transitions[from]
	out := make([]models.Status, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s models.Status) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Edges returns every permitted (from, to) pair, for documentation and tests.
func Edges() [][2]models.Status {
	var out [][2]models.Status
	for _, from := range models.Statuses {
		for _, to := range transitions[from] {
			out = append(out, [2]models.Status{from, to})
		}
	}
	return out
}
