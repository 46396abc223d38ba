package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	lockTimeoutsCounter metric.Int64Counter
	lockWaitHistogram   metric.Float64Histogram
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	notifyCounter       metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("taskcoord_task_operations_total",
			metric.WithDescription("Task operations by operation, agent and outcome"))
		if err != nil {
			return
		}
		lockTimeoutsCounter, err = m.Int64Counter("taskcoord_lock_timeouts_total",
			metric.WithDescription("Per-agent lock acquisitions that timed out"))
		if err != nil {
			return
		}
		lockWaitHistogram, err = m.Float64Histogram("taskcoord_lock_wait_seconds",
			metric.WithDescription("Time spent waiting for a per-agent lock"), metric.WithUnit("s"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("taskcoord_sse_events_total",
			metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		notifyCounter, err = m.Int64Counter("taskcoord_notify_deliveries_total",
			metric.WithDescription("Event deliveries to outside notifiers by outcome"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("taskcoord_sse_connections",
			metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
	})
	return err
}

// RecordTaskOp records one coordination operation and its outcome ("ok" or an error kind).
func RecordTaskOp(ctx context.Context, op, agent, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(op),
		AttrAgent.String(agent),
		AttrStatus.String(status),
	))
}

// RecordLockWait records how long a lock acquisition waited and whether it timed out.
func RecordLockWait(ctx context.Context, agent string, waited time.Duration, timedOut bool) {
	if lockWaitHistogram != nil {
		lockWaitHistogram.Record(ctx, waited.Seconds())
	}
	if timedOut && lockTimeoutsCounter != nil {
		lockTimeoutsCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// RecordNotify records one event delivery attempt sequence ("ok" or "failed").
func RecordNotify(ctx context.Context, notifier, outcome string) {
	if notifyCounter != nil {
		notifyCounter.Add(ctx, 1, metric.WithAttributes(
			AttrNotifier.String(notifier),
			AttrStatus.String(outcome),
		))
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// TaskCountFunc returns the number of tasks per status across all outboxes.
type TaskCountFunc func(ctx context.Context) (map[string]int64, error)

// InitMetricsWithTaskCount creates instruments and optionally registers a callback for
// the taskcoord_tasks gauge. If taskCount is nil, task gauges are not reported.
func InitMetricsWithTaskCount(ctx context.Context, taskCount TaskCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if taskCount == nil {
		return nil
	}
	m := Meter()
	tasksGauge, err := m.Int64ObservableGauge("taskcoord_tasks", metric.WithDescription("Number of tasks by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := taskCount(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			o.ObserveInt64(tasksGauge, n, metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, tasksGauge)
	return err
}
