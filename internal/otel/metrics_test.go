package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInitMetrics_RecordTaskOp(t *testing.T) {
	ctx := context.Background()
	_, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordTaskOp(ctx, "create_task", "CA", "ok")
	RecordTaskOp(ctx, "transition_task", "CA", "invalid_transition")
	RecordLockWait(ctx, "CA", 3*time.Millisecond, false)
	RecordLockWait(ctx, "CA", 5*time.Second, true)
	RecordNotify(ctx, "slack", "ok")
	RecordNotify(ctx, "webhook:http://x", "failed")
}

func TestAddSSEConnection_RemoveSSEConnection(t *testing.T) {
	AddSSEConnection()
	AddSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection() // should not go negative
	sseConnectionsMu.Lock()
	defer sseConnectionsMu.Unlock()
	if sseConnections != 0 {
		t.Fatalf("sseConnections = %d, want 0", sseConnections)
	}
}

func TestInitMetricsWithTaskCount(t *testing.T) {
	ctx := context.Background()
	handler, err := InitMeterProvider(ctx, "taskcount-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	err = InitMetricsWithTaskCount(ctx, func(context.Context) (map[string]int64, error) {
		return map[string]int64{"pending": 2, "completed": 1}, nil
	})
	if err != nil {
		t.Fatalf("InitMetricsWithTaskCount: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics: status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "taskcoord_tasks") {
		t.Fatalf("GET /metrics: missing taskcoord_tasks gauge:\n%s", rec.Body.String())
	}
}

func TestInitMetricsWithTaskCount_nilFunc(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "taskcount-nil-test")
	if err := InitMetricsWithTaskCount(ctx, nil); err != nil {
		t.Fatalf("InitMetricsWithTaskCount(nil): %v", err)
	}
}
