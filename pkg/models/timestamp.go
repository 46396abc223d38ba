package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the canonical wire form: RFC 3339 in UTC with a Z suffix.
const TimestampLayout = time.RFC3339Nano

// Inputs without an explicit offset are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// Timestamp is a UTC instant with a single canonical JSON encoding.
// "...Z" and "...+00:00" decode to equal values.
type Timestamp struct {
	time.Time
}

// NewTimestamp normalises t to UTC and drops the monotonic clock reading.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Round(0)}
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

// Ptr returns a pointer to a copy of ts.
func (ts Timestamp) Ptr() *Timestamp {
	return &ts
}

// ParseTimestamp parses an ISO-8601 timestamp. Any explicit offset is honoured and
// converted to UTC; a missing offset means UTC.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return NewTimestamp(t), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return NewTimestamp(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

// String returns the canonical form, or "" for the zero value.
func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(TimestampLayout)
}

// MarshalJSON emits the canonical form; the zero value is null.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.String())
}

// UnmarshalJSON accepts null, "" and any form ParseTimestamp accepts.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*ts = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}

// Before reports whether ts is strictly before other.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts.Time.Before(other.Time)
}

// After reports whether ts is strictly after other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts.Time.After(other.Time)
}

// Equal reports whether ts and other are the same instant.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts.Time.Equal(other.Time)
}
