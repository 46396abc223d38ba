package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ankittk/taskcoord/pkg/models"
)

// CurrentSchemaVersion is written into every new outbox record.
const CurrentSchemaVersion = "1.0.0"

// Encode serialises o as indented UTF-8 JSON with canonical timestamps and a
// trailing newline. o itself is not modified.
func Encode(o *models.Outbox) ([]byte, error) {
	c := o.Clone()
	c.Normalize()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode outbox %s: %w", o.AgentID, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a persisted outbox. Older record shapes are migrated to the current
// schema before decoding; the result is normalized.
func Decode(data []byte) (*models.Outbox, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode outbox: document is null")
	}
	if migrate(raw) {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("decode outbox: re-encode migrated record: %w", err)
		}
		data = b
	}
	var o models.Outbox
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	o.Normalize()
	return &o, nil
}

var statusAliases = map[string]models.Status{
	"todo":             models.StatusPending,
	"open":             models.StatusPending,
	"new":              models.StatusPending,
	"queued":           models.StatusPending,
	"in-progress":      models.StatusInProgress,
	"inprogress":       models.StatusInProgress,
	"active":           models.StatusInProgress,
	"working":          models.StatusInProgress,
	"started":          models.StatusInProgress,
	"review":           models.StatusReadyForReview,
	"in_review":        models.StatusReadyForReview,
	"needs_review":     models.StatusReadyForReview,
	"awaiting_review":  models.StatusReadyForReview,
	"ready-for-review": models.StatusReadyForReview,
	"done":             models.StatusCompleted,
	"complete":         models.StatusCompleted,
	"finished":         models.StatusCompleted,
	"approved":         models.StatusCompleted,
	"error":            models.StatusFailed,
	"rejected":         models.StatusFailed,
	"on_hold":          models.StatusBlocked,
	"waiting":          models.StatusBlocked,
}

// migrate rewrites legacy shapes in place and reports whether anything changed.
func migrate(raw map[string]any) bool {
	changed := false

	if agent, ok := raw["agent"].(map[string]any); ok {
		for src, dst := range map[string]string{
			"id": "agent_id", "agent_id": "agent_id",
			"name": "agent_name", "agent_name": "agent_name",
			"type": "agent_type", "agent_type": "agent_type",
			"expertise": "expertise",
		} {
			if v, ok := agent[src]; ok {
				if _, exists := raw[dst]; !exists {
					raw[dst] = v
				}
			}
		}
		delete(raw, "agent")
		changed = true
	}

	if v, ok := raw["schema_version"]; ok {
		if _, exists := raw["version"]; !exists {
			raw["version"] = v
		}
		delete(raw, "schema_version")
		changed = true
	}
	switch v := raw["version"].(type) {
	case nil:
		raw["version"] = CurrentSchemaVersion
		changed = true
	case float64:
		raw["version"] = normaliseVersion(strconv.FormatFloat(v, 'f', -1, 64))
		changed = true
	case string:
		if n := normaliseVersion(v); n != v {
			raw["version"] = n
			changed = true
		}
	}

	if v, ok := raw["agent_type"].(string); ok {
		if lower := strings.ToLower(strings.TrimSpace(v)); lower != v {
			raw["agent_type"] = lower
			changed = true
		}
	}

	tasks, _ := raw["tasks"].([]any)
	for _, item := range tasks {
		t, ok := item.(map[string]any)
		if !ok {
			continue
		}
		changed = renameKey(t, "id", "task_id") || changed
		changed = canonicalStatus(t) || changed
		if p, ok := t["priority"].(string); ok {
			if up := strings.ToUpper(strings.TrimSpace(p)); up != p {
				t["priority"] = up
				changed = true
			}
		}
	}

	history, _ := raw["history"].([]any)
	completed := 0
	var latest string
	for _, item := range history {
		h, ok := item.(map[string]any)
		if !ok {
			continue
		}
		changed = renameKey(h, "id", "task_id") || changed
		if _, ok := h["status"]; !ok {
			h["status"] = string(models.StatusCompleted)
			changed = true
		}
		changed = canonicalStatus(h) || changed
		if _, ok := h["timestamp"]; !ok {
			if v, ok := h["completed_at"]; ok {
				h["timestamp"] = v
				changed = true
			}
		}
		if h["status"] == string(models.StatusCompleted) {
			completed++
		}
		if ts, ok := h["timestamp"].(string); ok && laterThan(ts, latest) {
			latest = ts
		}
	}
	for _, item := range tasks {
		if t, ok := item.(map[string]any); ok {
			if ts, ok := t["created_at"].(string); ok && laterThan(ts, latest) {
				latest = ts
			}
		}
	}

	meta, ok := raw["metadata"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		raw["metadata"] = meta
		changed = true
	}
	if _, ok := meta["total_tasks_completed"]; !ok {
		meta["total_tasks_completed"] = completed
		changed = true
	}
	if _, ok := meta["last_updated"]; !ok {
		if latest == "" {
			latest = models.Now().String()
		}
		meta["last_updated"] = latest
		changed = true
	}
	return changed
}

func renameKey(m map[string]any, from, to string) bool {
	v, ok := m[from]
	if !ok {
		return false
	}
	if _, exists := m[to]; !exists {
		m[to] = v
	}
	delete(m, from)
	return true
}

func canonicalStatus(m map[string]any) bool {
	s, ok := m["status"].(string)
	if !ok {
		return false
	}
	key := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := statusAliases[key]; ok {
		m["status"] = string(alias)
		return true
	}
	if key != s {
		m["status"] = key
		return true
	}
	return false
}

// normaliseVersion pads "1" and "1.2" to full semantic versions.
func normaliseVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	switch strings.Count(v, ".") {
	case 0:
		if v == "" {
			return CurrentSchemaVersion
		}
		return v + ".0.0"
	case 1:
		return v + ".0"
	}
	return v
}

func laterThan(candidate, current string) bool {
	c, err := models.ParseTimestamp(candidate)
	if err != nil || c.IsZero() {
		return false
	}
	if current == "" {
		return true
	}
	cur, err := models.ParseTimestamp(current)
	if err != nil {
		return true
	}
	return c.Time.After(cur.Time)
}

// NewOutbox builds an empty, valid outbox for a registered agent.
func NewOutbox(spec models.AgentSpec, now time.Time) *models.Outbox {
	version := spec.Version
	if version == "" {
		version = CurrentSchemaVersion
	}
	o := &models.Outbox{
		AgentID:   spec.AgentID,
		AgentName: spec.AgentName,
		AgentType: spec.AgentType,
		Version:   version,
		Expertise: append([]string(nil), spec.Expertise...),
		Metadata: models.OutboxMetadata{
			LastUpdated: models.NewTimestamp(now),
		},
	}
	o.Normalize()
	return o
}
