package outbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ankittk/taskcoord/pkg/models"
)

// Operation names reported in errors.
const (
	OpCreateAgent     = "create_agent"
	OpCreateTask      = "create_task"
	OpUpdateTask      = "update_task"
	OpTransitionTask  = "transition_task"
	OpPromote         = "promote_to_history"
	OpGetOutbox       = "get_agent_outbox"
	OpValidateOutbox  = "validate_outbox"
	OpSprintProgress  = "compute_sprint_progress"
	OpDependencyCheck = "check_dependencies"
)

// Error kinds, stable across transports.
const (
	KindValidation        = "validation"
	KindNotFound          = "not_found"
	KindDuplicate         = "duplicate"
	KindInvalidTransition = "invalid_transition"
	KindPrecondition      = "precondition"
	KindLockTimeout       = "lock_timeout"
	KindStorage           = "storage"
)

// ValidationError is a single schema violation.
type ValidationError struct {
	Op      string `json:"op,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.AgentID != "" {
		b.WriteString("agent ")
		b.WriteString(e.AgentID)
		b.WriteString(": ")
	}
	b.WriteString(e.Field)
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// key identifies a violation independent of the operation that found it.
func (e *ValidationError) key() string {
	return e.TaskID + "\x00" + e.Field + "\x00" + e.Message
}

// ValidationErrors is every violation found in one pass.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	switch len(es) {
	case 0:
		return "no validation errors"
	case 1:
		return es[0].Error()
	}
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(es), strings.Join(msgs, "; "))
}

// WithOp stamps op and agent onto every entry and returns es.
func (es ValidationErrors) WithOp(op, agentID string) ValidationErrors {
	for _, e := range es {
		e.Op = op
		if e.AgentID == "" {
			e.AgentID = agentID
		}
	}
	return es
}

// NotFoundError reports an unknown agent (TaskID empty) or task.
type NotFoundError struct {
	Op      string
	AgentID string
	TaskID  string
}

func (e *NotFoundError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: agent %q not found", e.Op, e.AgentID)
	}
	return fmt.Sprintf("%s: task %q not found in outbox of agent %q", e.Op, e.TaskID, e.AgentID)
}

// DuplicateError reports an agent or task id that is already taken.
type DuplicateError struct {
	Op      string
	AgentID string
	TaskID  string
}

func (e *DuplicateError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: agent %q already exists", e.Op, e.AgentID)
	}
	return fmt.Sprintf("%s: task %q already exists for agent %q", e.Op, e.TaskID, e.AgentID)
}

// InvalidTransitionError reports a status change the lifecycle graph forbids.
type InvalidTransitionError struct {
	Op      string
	AgentID string
	TaskID  string
	From    models.Status
	To      models.Status
	Allowed []models.Status
}

func (e *InvalidTransitionError) Error() string {
	allowed := "none (terminal)"
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			names[i] = string(s)
		}
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s: task %q of agent %q cannot move from %s to %s (allowed: %s)",
		e.Op, e.TaskID, e.AgentID, e.From, e.To, allowed)
}

// PreconditionError reports an operation attempted on a task in the wrong state.
type PreconditionError struct {
	Op      string
	AgentID string
	TaskID  string
	Status  models.Status
	Reason  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: task %q of agent %q is %s: %s", e.Op, e.TaskID, e.AgentID, e.Status, e.Reason)
}

// LockTimeoutError reports that the per-agent lock was not acquired in time.
// Nothing was changed; the caller may retry.
type LockTimeoutError struct {
	Op      string
	AgentID string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s waiting for lock on agent %q", e.Op, e.Timeout, e.AgentID)
}

// StorageError wraps an unexpected failure of the underlying record store.
type StorageError struct {
	Op      string
	AgentID string
	Err     error
}

func (e *StorageError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("%s: storage: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: storage for agent %q: %v", e.Op, e.AgentID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsDuplicate reports whether err is or wraps a DuplicateError.
func IsDuplicate(err error) bool {
	var e *DuplicateError
	return errors.As(err, &e)
}

// IsInvalidTransition reports whether err is or wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// IsPrecondition reports whether err is or wraps a PreconditionError.
func IsPrecondition(err error) bool {
	var e *PreconditionError
	return errors.As(err, &e)
}

// IsLockTimeout reports whether err is or wraps a LockTimeoutError.
func IsLockTimeout(err error) bool {
	var e *LockTimeoutError
	return errors.As(err, &e)
}

// IsValidation reports whether err is or wraps a validation failure.
func IsValidation(err error) bool {
	var one *ValidationError
	var many ValidationErrors
	return errors.As(err, &one) || errors.As(err, &many)
}

// Detail is the transport-neutral description of an error.
type Detail struct {
	Kind       string             `json:"kind"`
	Message    string             `json:"error"`
	AgentID    string             `json:"agent_id,omitempty"`
	TaskID     string             `json:"task_id,omitempty"`
	From       models.Status      `json:"from,omitempty"`
	To         models.Status      `json:"to,omitempty"`
	Allowed    []models.Status    `json:"allowed,omitempty"`
	Violations []*ValidationError `json:"violations,omitempty"`
}

// Describe classifies err. Unknown errors are reported with an empty kind.
func Describe(err error) Detail {
	d := Detail{Message: err.Error()}
	var (
		many     ValidationErrors
		one      *ValidationError
		notFound *NotFoundError
		dup      *DuplicateError
		trans    *InvalidTransitionError
		pre      *PreconditionError
		lock     *LockTimeoutError
		storage  *StorageError
	)
	switch {
	case errors.As(err, &many):
		d.Kind = KindValidation
		d.Violations = many
		if len(many) > 0 {
			d.AgentID, d.TaskID = many[0].AgentID, many[0].TaskID
		}
	case errors.As(err, &one):
		d.Kind = KindValidation
		d.AgentID, d.TaskID = one.AgentID, one.TaskID
		d.Violations = []*ValidationError{one}
	case errors.As(err, &notFound):
		d.Kind = KindNotFound
		d.AgentID, d.TaskID = notFound.AgentID, notFound.TaskID
	case errors.As(err, &dup):
		d.Kind = KindDuplicate
		d.AgentID, d.TaskID = dup.AgentID, dup.TaskID
	case errors.As(err, &trans):
		d.Kind = KindInvalidTransition
		d.AgentID, d.TaskID = trans.AgentID, trans.TaskID
		d.From, d.To, d.Allowed = trans.From, trans.To, trans.Allowed
		if d.Allowed == nil {
			d.Allowed = []models.Status{}
		}
	case errors.As(err, &pre):
		d.Kind = KindPrecondition
		d.AgentID, d.TaskID = pre.AgentID, pre.TaskID
		d.From = pre.Status
	case errors.As(err, &lock):
		d.Kind = KindLockTimeout
		d.AgentID = lock.AgentID
	case errors.As(err, &storage):
		d.Kind = KindStorage
		d.AgentID = storage.AgentID
	}
	return d
}

// Kind returns the stable kind of err, or "" when err is not a domain error.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	return Describe(err).Kind
}
