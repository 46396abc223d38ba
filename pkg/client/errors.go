package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ankittk/taskcoord/pkg/models"
)

// Error kinds reported by the server.
const (
	KindValidation        = "validation"
	KindNotFound          = "not_found"
	KindDuplicate         = "duplicate"
	KindInvalidTransition = "invalid_transition"
	KindPrecondition      = "precondition"
	KindLockTimeout       = "lock_timeout"
	KindStorage           = "storage"
	KindInternal          = "internal"
	KindRateLimited       = "rate_limited"
)

// Violation is one schema violation reported with a validation error.
type Violation struct {
	Op      string `json:"op,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int             `json:"-"`
	Method     string          `json:"-"`
	Path       string          `json:"-"`
	RetryAfter time.Duration   `json:"-"`
	Kind       string          `json:"kind"`
	Message    string          `json:"error"`
	AgentID    string          `json:"agent_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	From       models.Status   `json:"from,omitempty"`
	To         models.Status   `json:"to,omitempty"`
	Allowed    []models.Status `json:"allowed,omitempty"`
	Violations []Violation     `json:"violations,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func decodeError(method, path string, resp *http.Response) error {
	e := &APIError{StatusCode: resp.StatusCode, Method: method, Path: path}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(body, e)
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	if e.Kind == "" {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			e.Kind = KindRateLimited
		case http.StatusLocked:
			e.Kind = KindLockTimeout
		case http.StatusNotFound:
			e.Kind = KindNotFound
		}
	}
	return e
}

// KindOf returns the kind of an APIError in err's chain, or "".
func KindOf(err error) string {
	var e *APIError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is a lock timeout or a rate-limit rejection.
// Neither changed any state.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLockTimeout, KindRateLimited:
		return true
	}
	return false
}

func IsNotFound(err error) bool          { return KindOf(err) == KindNotFound }
func IsDuplicate(err error) bool         { return KindOf(err) == KindDuplicate }
func IsValidation(err error) bool        { return KindOf(err) == KindValidation }
func IsInvalidTransition(err error) bool { return KindOf(err) == KindInvalidTransition }
func IsPrecondition(err error) bool      { return KindOf(err) == KindPrecondition }
func IsLockTimeout(err error) bool       { return KindOf(err) == KindLockTimeout }
