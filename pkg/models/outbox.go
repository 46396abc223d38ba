package models

// FindTask returns the index of the active task with id, or -1.
func (o *Outbox) FindTask(id string) int {
	for i := range o.Tasks {
		if o.Tasks[i].TaskID == id {
			return i
		}
	}
	return -1
}

// FindHistory returns the index of the history entry with id, or -1.
func (o *Outbox) FindHistory(id string) int {
	for i := range o.History {
		if o.History[i].TaskID == id {
			return i
		}
	}
	return -1
}

// HasTaskID reports whether id is used by an active task or a history entry.
func (o *Outbox) HasTaskID(id string) bool {
	return o.FindTask(id) >= 0 || o.FindHistory(id) >= 0
}

// Normalize puts o into the canonical in-memory shape used for persistence:
// top-level collections are non-nil, optional per-task lists are nil when empty.
// Encoding a normalized outbox and decoding it again yields an equal value.
func (o *Outbox) Normalize() {
	if o.Expertise == nil {
		o.Expertise = []string{}
	}
	if o.Tasks == nil {
		o.Tasks = []Task{}
	}
	if o.History == nil {
		o.History = []HistoryEntry{}
	}
	for i := range o.Tasks {
		t := &o.Tasks[i]
		t.Dependencies = nilIfEmpty(t.Dependencies)
		t.Deliverables = nilIfEmpty(t.Deliverables)
	}
	for i := range o.History {
		h := &o.History[i]
		h.Files.Created = nilIfEmpty(h.Files.Created)
		h.Files.Modified = nilIfEmpty(h.Files.Modified)
		if len(h.Metrics) == 0 {
			h.Metrics = nil
		}
	}
}

// Clone returns a deep copy of o.
func (o *Outbox) Clone() *Outbox {
	if o == nil {
		return nil
	}
	c := *o
	c.Expertise = cloneStrings(o.Expertise)
	if o.Tasks != nil {
		c.Tasks = make([]Task, len(o.Tasks))
		for i := range o.Tasks {
			c.Tasks[i] = o.Tasks[i].Clone()
		}
	}
	if o.History != nil {
		c.History = make([]HistoryEntry, len(o.History))
		for i := range o.History {
			c.History[i] = o.History[i].Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	c.StartedAt = cloneTimestamp(t.StartedAt)
	c.CompletedAt = cloneTimestamp(t.CompletedAt)
	c.EstimatedHours = cloneFloat(t.EstimatedHours)
	c.ActualHours = cloneFloat(t.ActualHours)
	c.Dependencies = cloneStrings(t.Dependencies)
	c.Deliverables = cloneStrings(t.Deliverables)
	return c
}

// Clone returns a deep copy of h. Metric values are scalars and are copied by value.
func (h HistoryEntry) Clone() HistoryEntry {
	c := h
	c.Files.Created = cloneStrings(h.Files.Created)
	c.Files.Modified = cloneStrings(h.Files.Modified)
	if h.Metrics != nil {
		c.Metrics = make(map[string]any, len(h.Metrics))
		for k, v := range h.Metrics {
			c.Metrics[k] = v
		}
	}
	c.CreatedAt = cloneTimestamp(h.CreatedAt)
	c.StartedAt = cloneTimestamp(h.StartedAt)
	c.CompletedAt = cloneTimestamp(h.CompletedAt)
	c.EstimatedHours = cloneFloat(h.EstimatedHours)
	c.ActualHours = cloneFloat(h.ActualHours)
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTimestamp(ts *Timestamp) *Timestamp {
	if ts == nil {
		return nil
	}
	c := *ts
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func nilIfEmpty(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return in
}
