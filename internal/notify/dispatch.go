package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/ankittk/taskcoord/internal/otel"
)

// DefaultQueueSize bounds events waiting for delivery.
const DefaultQueueSize = 256

// Dispatcher delivers published events to every registered notifier in the
// background. PublishJSON never blocks; when the queue is full the event is dropped.
type Dispatcher struct {
	reg        *Registry
	queue      chan any
	log        *slog.Logger
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	dropped int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithBackOff sets the per-delivery retry schedule.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newBackOff = fn
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan any, n)
		}
	}
}

func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:   reg,
		queue: make(chan any, DefaultQueueSize),
		log:   slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// PublishJSON queues v for delivery.
func (d *Dispatcher) PublishJSON(v any) {
	select {
	case d.queue <- v:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.log.Warn("notify queue full, event dropped")
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers queued events until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev any) {
	for _, n := range d.reg.All() {
		err := backoff.Retry(func() error {
			err := n.Notify(ctx, ev)
			if err == nil || retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}, backoff.WithContext(d.newBackOff(), ctx))
		switch {
		case err == nil:
			otel.RecordNotify(ctx, n.Name(), "ok")
		case ctx.Err() == nil:
			otel.RecordNotify(ctx, n.Name(), "failed")
			d.log.Warn("notify delivery failed", "notifier", n.Name(), "err", err)
		}
	}
}

// retryable treats transport failures and 5xx/429 answers as transient.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == 429
	}
	return true
}
