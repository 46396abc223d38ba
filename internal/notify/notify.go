// Package notify forwards committed coordination events to outside integrations
// such as generic JSON webhooks and Slack incoming webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Notifier is an integration that receives events (e.g. a webhook, Slack).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event any) error
}

// Registry holds configured notifiers by name.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Notifier
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Notifier)}
}

func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[n.Name()] = n
}

func (r *Registry) Get(name string) Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[name]
}

// All returns the notifiers ordered by name.
func (r *Registry) All() []Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Notifier, 0, len(r.subs))
	for _, n := range r.subs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Webhook POSTs each event as JSON to URL.
type Webhook struct {
	URL    string
	Client *http.Client // nil uses http.DefaultClient
}

func (w Webhook) Name() string { return "webhook:" + w.URL }

func (w Webhook) Notify(ctx context.Context, event any) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL not set")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return post(ctx, w.Client, w.URL, body)
}

// SlackWebhook sends a one-line summary of each event to a Slack incoming webhook.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
	Client     *http.Client
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, event any) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{"text": Summarize(event)}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return post(ctx, s.Client, s.WebhookURL, body)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return nil
}

// StatusError is a non-2xx answer from a webhook endpoint.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned %d", e.URL, e.Code)
}

// Summarize renders an event as "type agent/task: from -> status".
func Summarize(event any) string {
	var f struct {
		Type    string `json:"type"`
		AgentID string `json:"agent_id"`
		TaskID  string `json:"task_id"`
		From    string `json:"from"`
		Status  string `json:"status"`
	}
	b, err := json.Marshal(event)
	if err != nil || json.Unmarshal(b, &f) != nil || f.Type == "" {
		return fmt.Sprintf("taskcoord: %v", event)
	}
	var sb strings.Builder
	sb.WriteString("taskcoord ")
	sb.WriteString(f.Type)
	if f.AgentID != "" {
		sb.WriteString(" ")
		sb.WriteString(f.AgentID)
		if f.TaskID != "" {
			sb.WriteString("/")
			sb.WriteString(f.TaskID)
		}
	}
	switch {
	case f.From != "" && f.Status != "":
		fmt.Fprintf(&sb, ": %s -> %s", f.From, f.Status)
	case f.Status != "":
		fmt.Fprintf(&sb, ": %s", f.Status)
	}
	return sb.String()
}
