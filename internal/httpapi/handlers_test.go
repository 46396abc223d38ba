package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ankittk/taskcoord/internal/outbox"
)

func seedAgents(t *testing.T, base string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		resp, body := do(t, http.MethodPost, base+"/agents", `{"agent_id":"`+id+`","agent_name":"Agent `+id+`","agent_type":"ai"}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create agent %s: %d %v", id, resp.StatusCode, body)
		}
	}
}

func transition(t *testing.T, base, agent, task, status string) (*http.Response, map[string]any) {
	t.Helper()
	return do(t, http.MethodPost, base+"/agents/"+agent+"/tasks/"+task+"/transition", `{"status":"`+status+`"}`)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	seedAgents(t, ts.URL, "CA", "ARCH")
	do(t, http.MethodPost, ts.URL+"/agents/CA/tasks", `{"task_id":"T1","title":"Build UI"}`)

	// pending -> completed is not an edge.
	resp, body := transition(t, ts.URL, "CA", "T1", "completed")
	if resp.StatusCode != http.StatusConflict || body["kind"] != outbox.KindInvalidTransition {
		t.Fatalf("forbidden shortcut: %d %v", resp.StatusCode, body)
	}
	if allowed, _ := body["allowed"].([]any); len(allowed) != 2 {
		t.Fatalf("allowed set: %v", body["allowed"])
	}

	for _, st := range []string{"in_progress", "ready_for_review"} {
		resp, body = transition(t, ts.URL, "CA", "T1", st)
		if resp.StatusCode != http.StatusOK || body["status"] != st {
			t.Fatalf("transition to %s: %d %v", st, resp.StatusCode, body)
		}
	}

	// Promotion before completion fails with a precondition error.
	resp, body = do(t, http.MethodPost, ts.URL+"/agents/CA/tasks/T1/promote", `{"summary":"early"}`)
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("early promote: %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/agents/CA/tasks/T1/review",
		`{"outcome":"approve","reviewer":"ARCH","summary":"looks good","metrics":{"hours":2}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review: %d %v", resp.StatusCode, body)
	}
	entry, _ := body["entry"].(map[string]any)
	if entry["status"] != "completed" || entry["reviewed_by"] != "ARCH" {
		t.Fatalf("review entry: %v", body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/agents/CA/tasks/T1", "")
	if resp.StatusCode != http.StatusOK || body["archived"] != true {
		t.Fatalf("GET archived task: %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/progress?agent=CA", "")
	if resp.StatusCode != http.StatusOK || body["completed_tasks"] != 1.0 || body["total_tasks"] != 1.0 {
		t.Fatalf("progress: %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/agents/CA/validate", "")
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Fatalf("validate: %d %v", resp.StatusCode, body)
	}
	if v, ok := body["violations"].([]any); !ok || len(v) != 0 {
		t.Fatalf("violations: %v", body["violations"])
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	seedAgents(t, ts.URL, "CA", "CB")
	do(t, http.MethodPost, ts.URL+"/agents/CA/tasks", `{"task_id":"T1","title":"x"}`)

	cases := []struct {
		name, method, path, body string
		code                     int
		kind                     string
	}{
		{"unknown agent", http.MethodGet, "/agents/ZZ/outbox", "", http.StatusNotFound, outbox.KindNotFound},
		{"unknown task", http.MethodPost, "/agents/CA/tasks/T9/transition", `{"status":"in_progress"}`, http.StatusNotFound, outbox.KindNotFound},
		{"duplicate agent", http.MethodPost, "/agents", `{"agent_id":"CA","agent_name":"A","agent_type":"ai"}`, http.StatusConflict, outbox.KindDuplicate},
		{"duplicate task across agents", http.MethodPost, "/agents/CB/tasks", `{"task_id":"T1","title":"y"}`, http.StatusConflict, outbox.KindDuplicate},
		{"missing title", http.MethodPost, "/agents/CA/tasks", `{"priority":"LOW"}`, http.StatusBadRequest, outbox.KindValidation},
		{"bad priority", http.MethodPost, "/agents/CA/tasks", `{"title":"z","priority":"urgent"}`, http.StatusBadRequest, outbox.KindValidation},
		{"unknown status", http.MethodPost, "/agents/CA/tasks/T1/transition", `{"status":"paused"}`, http.StatusBadRequest, outbox.KindValidation},
		{"bad agent type", http.MethodPost, "/agents", `{"agent_id":"CC","agent_name":"C","agent_type":"robot"}`, http.StatusBadRequest, outbox.KindValidation},
	}
	for _, tc := range cases {
		resp, body := do(t, tc.method, ts.URL+tc.path, tc.body)
		if resp.StatusCode != tc.code || body["kind"] != tc.kind {
			t.Errorf("%s: got %d %v; want %d %s", tc.name, resp.StatusCode, body, tc.code, tc.kind)
		}
		if body["error"] == nil {
			t.Errorf("%s: missing error message", tc.name)
		}
	}

	resp, _ := do(t, http.MethodPost, ts.URL+"/agents/CA/tasks", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid json: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, ts.URL+"/agents", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /agents: %d", resp.StatusCode)
	}
}

func TestWriteDomainError_lockTimeout(t *testing.T) {
	t.Parallel()
	h := &handlers{retryAfter: retryAfter(2 * time.Second)}
	rec := httptest.NewRecorder()
	h.writeDomainError(rec, &outbox.LockTimeoutError{Op: outbox.OpCreateTask, AgentID: "CA", Timeout: 2 * time.Second})
	if rec.Code != http.StatusLocked {
		t.Fatalf("status: %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After: %q", got)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"lock_timeout"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.writeDomainError(rec, errors.New("boom"))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), `"kind":"internal"`) {
		t.Fatalf("unknown error: %d %s", rec.Code, rec.Body.String())
	}
	if retryAfter(0) != "1" {
		t.Fatalf("retryAfter(0) = %q", retryAfter(0))
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	want := map[string]int{
		outbox.KindValidation:        http.StatusBadRequest,
		outbox.KindNotFound:          http.StatusNotFound,
		outbox.KindDuplicate:         http.StatusConflict,
		outbox.KindInvalidTransition: http.StatusConflict,
		outbox.KindPrecondition:      http.StatusPreconditionFailed,
		outbox.KindLockTimeout:       http.StatusLocked,
		outbox.KindStorage:           http.StatusInternalServerError,
		"":                           http.StatusInternalServerError,
	}
	for kind, code := range want {
		if got := statusFor(kind); got != code {
			t.Errorf("statusFor(%q) = %d, want %d", kind, got, code)
		}
	}
}

func TestUpdateAndDependencies(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	seedAgents(t, ts.URL, "CA", "CB")
	do(t, http.MethodPost, ts.URL+"/agents/CA/tasks", `{"task_id":"T1","title":"first"}`)
	do(t, http.MethodPost, ts.URL+"/agents/CB/tasks", `{"task_id":"T2","title":"second","dependencies":["T1"]}`)

	resp, body := do(t, http.MethodGet, ts.URL+"/agents/CB/tasks/T2/dependencies", "")
	if resp.StatusCode != http.StatusOK || body["ready"] != false {
		t.Fatalf("dependencies: %d %v", resp.StatusCode, body)
	}
	if unmet, _ := body["unmet"].([]any); len(unmet) != 1 || unmet[0] != "T1" {
		t.Fatalf("unmet: %v", body["unmet"])
	}

	// Advisory only: T2 may start while T1 is pending.
	resp, _ = transition(t, ts.URL, "CB", "T2", "in_progress")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start with unmet deps: %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodPatch, ts.URL+"/agents/CA/tasks/T1", `{"title":"renamed","priority":"critical","estimated_hours":4}`)
	if resp.StatusCode != http.StatusOK || body["title"] != "renamed" || body["priority"] != "CRITICAL" {
		t.Fatalf("PATCH: %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPatch, ts.URL+"/agents/CA/tasks/T1", `{"estimated_hours":-1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("PATCH negative hours: %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/agents/CB/tasks?status=in_progress", "")
	if tasks, _ := body["tasks"].([]any); resp.StatusCode != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("list in_progress: %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/agents/CB/tasks?status=bogus", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("list bogus status: %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/progress?all=1", "")
	if resp.StatusCode != http.StatusOK || body["total_tasks"] != 2.0 || body["completed_tasks"] != 0.0 {
		t.Fatalf("progress all: %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/progress", "")
	if resp.StatusCode != http.StatusOK || body["total_tasks"] != 0.0 || body["completion_ratio"] != 0.0 {
		t.Fatalf("progress empty: %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/progress?agent=ZZ", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("progress unknown agent: %d", resp.StatusCode)
	}
}

func TestReviewRequestChanges(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{})
	seedAgents(t, ts.URL, "CA")
	do(t, http.MethodPost, ts.URL+"/agents/CA/tasks", `{"task_id":"T1","title":"x"}`)
	transition(t, ts.URL, "CA", "T1", "in_progress")
	transition(t, ts.URL, "CA", "T1", "ready_for_review")

	resp, body := do(t, http.MethodPost, ts.URL+"/agents/CA/tasks/T1/review", `{"outcome":"changes","reviewer":"ARCH"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review changes: %d %v", resp.StatusCode, body)
	}
	task, _ := body["task"].(map[string]any)
	if task["status"] != "in_progress" || body["entry"] != nil {
		t.Fatalf("review result: %v", body)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/agents/CA/tasks/T1/review", `{"outcome":"maybe"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown outcome: %d", resp.StatusCode)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{APIKey: "secret"})
	resp, _ := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health without key: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/agents", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/agents without key: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/agents?api_key=secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/agents with key: %d", resp.StatusCode)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{RateLimit: RateLimitConfig{RequestsPerMinute: 1, Burst: 2}})
	var codes []int
	for i := 0; i < 3; i++ {
		resp, _ := do(t, http.MethodGet, ts.URL+"/agents", "")
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes: %v", codes)
	}
	resp, _ := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health is never throttled: %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, ServerOptions{MaxBodyBytes: 64})
	seedAgents(t, ts.URL, "CA")
	big := `{"title":"` + strings.Repeat("x", 200) + `"}`
	resp, _ := do(t, http.MethodPost, ts.URL+"/agents/CA/tasks", big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: %d", resp.StatusCode)
	}
}
