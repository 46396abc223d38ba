package httpapi

import (
	"fmt"
	"net/http"

	"github.com/ankittk/taskcoord/internal/coord"
	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/review"
	"github.com/ankittk/taskcoord/pkg/models"
)

type handlers struct {
	svc        *coord.Service
	retryAfter string
}

func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.ListAgents(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"agents": ids})
}

func (h *handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	var spec models.AgentSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	if t, ok := models.ParseAgentType(string(spec.AgentType)); ok {
		spec.AgentType = t
	}
	o, err := h.svc.CreateAgent(r.Context(), spec)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, o)
}

func (h *handlers) getOutbox(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetAgentOutbox(r.Context(), r.PathValue("agent"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, o)
}

// ValidateResponse is the body of GET /agents/{agent}/validate.
type ValidateResponse struct {
	AgentID    string                    `json:"agent_id"`
	Valid      bool                      `json:"valid"`
	Violations []*outbox.ValidationError `json:"violations"`
}

func (h *handlers) validateOutbox(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	errs, err := h.svc.ValidateOutbox(r.Context(), agentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, ValidateResponse{AgentID: agentID, Valid: len(errs) == 0, Violations: errs})
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetAgentOutbox(r.Context(), r.PathValue("agent"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	tasks := o.Tasks
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := models.ParseStatus(s)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
			return
		}
		tasks = tasks[:0:0]
		for _, t := range o.Tasks {
			if t.Status == st {
				tasks = append(tasks, t)
			}
		}
	}
	writeJSON(w, map[string]any{"agent_id": o.AgentID, "tasks": tasks})
}

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	var spec models.TaskSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	if p, ok := models.ParsePriority(string(spec.Priority)); ok {
		spec.Priority = p
	}
	id, err := h.svc.CreateTask(r.Context(), agentID, spec)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"agent_id": agentID, "task_id": id})
}

// getTask returns an active task, or its history entry once archived.
func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	agentID, taskID := r.PathValue("agent"), r.PathValue("task")
	o, err := h.svc.GetAgentOutbox(r.Context(), agentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if i := o.FindTask(taskID); i >= 0 {
		writeJSON(w, map[string]any{"archived": false, "task": o.Tasks[i]})
		return
	}
	if i := o.FindHistory(taskID); i >= 0 {
		writeJSON(w, map[string]any{"archived": true, "entry": o.History[i]})
		return
	}
	h.writeDomainError(w, &outbox.NotFoundError{Op: outbox.OpGetOutbox, AgentID: agentID, TaskID: taskID})
}

func (h *handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	var patch models.TaskPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.Priority != nil {
		if p, ok := models.ParsePriority(string(*patch.Priority)); ok {
			patch.Priority = &p
		}
	}
	t, err := h.svc.UpdateTask(r.Context(), r.PathValue("agent"), r.PathValue("task"), patch)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, t)
}

// TransitionRequest is the body of POST .../transition.
type TransitionRequest struct {
	Status string `json:"status"`
}

func (h *handlers) transitionTask(w http.ResponseWriter, r *http.Request) {
	var body TransitionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	to, _ := models.ParseStatus(body.Status)
	t, err := h.svc.TransitionTask(r.Context(), r.PathValue("agent"), r.PathValue("task"), to)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, t)
}

func (h *handlers) promoteTask(w http.ResponseWriter, r *http.Request) {
	var spec models.HistorySpec
	if !decodeBody(w, r, &spec) {
		return
	}
	e, err := h.svc.PromoteToHistory(r.Context(), r.PathValue("agent"), r.PathValue("task"), spec)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, e)
}

// ReviewRequest is the body of POST .../review.
type ReviewRequest struct {
	Outcome           string              `json:"outcome"`
	Reviewer          string              `json:"reviewer,omitempty"`
	Summary           string              `json:"summary,omitempty"`
	CompletionMessage string              `json:"completion_message,omitempty"`
	Files             models.HistoryFiles `json:"files"`
	Metrics           map[string]any      `json:"metrics,omitempty"`
}

func (h *handlers) reviewTask(w http.ResponseWriter, r *http.Request) {
	var body ReviewRequest
	if !decodeBody(w, r, &body) {
		return
	}
	outcome, err := review.ParseOutcome(body.Outcome)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := review.Submit(r.Context(), h.svc, r.PathValue("agent"), r.PathValue("task"), outcome, review.Decision{
		Reviewer:          body.Reviewer,
		Summary:           body.Summary,
		CompletionMessage: body.CompletionMessage,
		Files:             body.Files,
		Metrics:           body.Metrics,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, res)
}

// DependencyReport is the body of GET .../dependencies.
type DependencyReport struct {
	AgentID string   `json:"agent_id"`
	TaskID  string   `json:"task_id"`
	Unmet   []string `json:"unmet"`
	Ready   bool     `json:"ready"`
}

func (h *handlers) taskDependencies(w http.ResponseWriter, r *http.Request) {
	agentID, taskID := r.PathValue("agent"), r.PathValue("task")
	unmet, err := h.svc.UnmetDependencies(r.Context(), agentID, taskID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if unmet == nil {
		unmet = []string{}
	}
	writeJSON(w, DependencyReport{AgentID: agentID, TaskID: taskID, Unmet: unmet, Ready: len(unmet) == 0})
}

// sprintProgress serves GET /progress?agent=CA&agent=CB, or every agent with all=1.
func (h *handlers) sprintProgress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		p   *models.SprintProgress
		err error
	)
	if all := q.Get("all"); all == "1" || all == "true" {
		p, err = h.svc.ComputeAllProgress(r.Context())
	} else {
		p, err = h.svc.ComputeSprintProgress(r.Context(), q["agent"])
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, p)
}

// plainMetrics is the /metrics fallback when no OTel exporter is configured.
func (h *handlers) plainMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.TaskCounts(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "# TYPE taskcoord_tasks gauge\n")
	for _, st := range models.Statuses {
		_, _ = fmt.Fprintf(w, "taskcoord_tasks{status=%q} %d\n", st, counts[string(st)])
	}
}
