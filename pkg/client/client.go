// Package client provides a Go SDK for the taskcoord HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/ankittk/taskcoord/pkg/models"
)

// Client calls the taskcoord HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3580"
	APIKey     string       // optional; sent as X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
	// NewBackOff builds the retry schedule for lock timeouts and rate limiting.
	// Nil uses DefaultBackOff; return &backoff.StopBackOff{} to disable retries.
	NewBackOff func() backoff.BackOff
}

// New returns a client for the given base URL (e.g. "http://localhost:3580").
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

// DefaultBackOff retries from 100ms for at most 3s.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return b
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	mk := c.NewBackOff
	if mk == nil {
		mk = DefaultBackOff
	}
	return backoff.WithContext(mk(), ctx)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

// doJSON sends body as JSON and decodes a 2xx response into out. Lock timeouts
// and rate-limit rejections are retried; every other failure is returned at once.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	return backoff.Retry(func() error {
		err := c.once(ctx, method, path, payload, out)
		if err == nil || Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, c.backOff(ctx))
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	resp, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(method, path, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// ListAgents returns the ids of every registered agent.
func (c *Client) ListAgents(ctx context.Context) ([]string, error) {
	var out struct {
		Agents []string `json:"agents"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/agents", nil, &out)
	return out.Agents, err
}

// CreateAgent registers an agent and returns its empty outbox.
func (c *Client) CreateAgent(ctx context.Context, spec models.AgentSpec) (*models.Outbox, error) {
	var out models.Outbox
	if err := c.doJSON(ctx, http.MethodPost, "/agents", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgentOutbox returns a snapshot of one agent's outbox.
func (c *Client) GetAgentOutbox(ctx context.Context, agentID string) (*models.Outbox, error) {
	var out models.Outbox
	if err := c.doJSON(ctx, http.MethodGet, agentPath(agentID, "outbox"), nil, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

// Validation is the result of ValidateOutbox.
type Validation struct {
	AgentID    string      `json:"agent_id"`
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// ValidateOutbox checks an outbox against the schema without changing it.
func (c *Client) ValidateOutbox(ctx context.Context, agentID string) (*Validation, error) {
	var out Validation
	if err := c.doJSON(ctx, http.MethodGet, agentPath(agentID, "validate"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns the active tasks of an agent, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, agentID string, status models.Status) ([]models.Task, error) {
	path := agentPath(agentID, "tasks")
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out struct {
		Tasks []models.Task `json:"tasks"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Tasks, err
}

// CreateTask adds a pending task and returns its id.
func (c *Client) CreateTask(ctx context.Context, agentID string, spec models.TaskSpec) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	err := c.doJSON(ctx, http.MethodPost, agentPath(agentID, "tasks"), spec, &out)
	return out.TaskID, err
}

// TaskRecord is an active task or, once archived, its history entry.
type TaskRecord struct {
	Archived bool                 `json:"archived"`
	Task     *models.Task         `json:"task,omitempty"`
	Entry    *models.HistoryEntry `json:"entry,omitempty"`
}

// GetTask looks a task up in the active list and then in history.
func (c *Client) GetTask(ctx context.Context, agentID, taskID string) (*TaskRecord, error) {
	var out TaskRecord
	if err := c.doJSON(ctx, http.MethodGet, taskPath(agentID, taskID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTask edits the non-lifecycle fields of an active task.
func (c *Client) UpdateTask(ctx context.Context, agentID, taskID string, patch models.TaskPatch) (*models.Task, error) {
	var out models.Task
	if err := c.doJSON(ctx, http.MethodPatch, taskPath(agentID, taskID, ""), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransitionTask moves a task to a new status.
func (c *Client) TransitionTask(ctx context.Context, agentID, taskID string, to models.Status) (*models.Task, error) {
	var out models.Task
	body := map[string]string{"status": string(to)}
	if err := c.doJSON(ctx, http.MethodPost, taskPath(agentID, taskID, "transition"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PromoteToHistory archives a completed or failed task.
func (c *Client) PromoteToHistory(ctx context.Context, agentID, taskID string, spec models.HistorySpec) (*models.HistoryEntry, error) {
	var out models.HistoryEntry
	if err := c.doJSON(ctx, http.MethodPost, taskPath(agentID, taskID, "promote"), spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReviewRequest is a reviewer's decision on a task in ready_for_review.
// Outcome is "approve", "changes" or "reject".
type ReviewRequest struct {
	Outcome           string              `json:"outcome"`
	Reviewer          string              `json:"reviewer,omitempty"`
	Summary           string              `json:"summary,omitempty"`
	CompletionMessage string              `json:"completion_message,omitempty"`
	Files             models.HistoryFiles `json:"files"`
	Metrics           map[string]any      `json:"metrics,omitempty"`
}

// ReviewResult reports what a review did. Entry is set when the task was archived.
type ReviewResult struct {
	Outcome string               `json:"outcome"`
	Task    *models.Task         `json:"task,omitempty"`
	Entry   *models.HistoryEntry `json:"entry,omitempty"`
}

// Review submits a review decision.
func (c *Client) Review(ctx context.Context, agentID, taskID string, req ReviewRequest) (*ReviewResult, error) {
	var out ReviewResult
	if err := c.doJSON(ctx, http.MethodPost, taskPath(agentID, taskID, "review"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DependencyReport lists the dependencies of a task that are not yet completed.
type DependencyReport struct {
	AgentID string   `json:"agent_id"`
	TaskID  string   `json:"task_id"`
	Unmet   []string `json:"unmet"`
	Ready   bool     `json:"ready"`
}

// Dependencies reports whether a task's dependencies are complete.
func (c *Client) Dependencies(ctx context.Context, agentID, taskID string) (*DependencyReport, error) {
	var out DependencyReport
	if err := c.doJSON(ctx, http.MethodGet, taskPath(agentID, taskID, "dependencies"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SprintProgress aggregates progress over the given agents.
func (c *Client) SprintProgress(ctx context.Context, agentIDs ...string) (*models.SprintProgress, error) {
	q := url.Values{}
	for _, id := range agentIDs {
		q.Add("agent", id)
	}
	return c.progress(ctx, q)
}

// AllProgress aggregates progress over every registered agent.
func (c *Client) AllProgress(ctx context.Context) (*models.SprintProgress, error) {
	return c.progress(ctx, url.Values{"all": {"1"}})
}

func (c *Client) progress(ctx context.Context, q url.Values) (*models.SprintProgress, error) {
	path := "/progress"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out models.SprintProgress
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func agentPath(agentID, leaf string) string {
	return fmt.Sprintf("/agents/%s/%s", url.PathEscape(agentID), leaf)
}

func taskPath(agentID, taskID, leaf string) string {
	p := fmt.Sprintf("/agents/%s/tasks/%s", url.PathEscape(agentID), url.PathEscape(taskID))
	if leaf != "" {
		p += "/" + leaf
	}
	return p
}
