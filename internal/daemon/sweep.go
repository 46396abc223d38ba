package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

// EventOutboxInvalid is published when a sweep finds schema violations in an outbox.
const EventOutboxInvalid = "outbox_invalid"

// sweepConcurrency bounds parallel validations within one sweep.
const sweepConcurrency = 4

// auditor is the part of coord.Service a sweep needs.
type auditor interface {
	ListAgents(ctx context.Context) ([]string, error)
	ValidateOutbox(ctx context.Context, agentID string) (outbox.ValidationErrors, error)
}

type publisher interface {
	PublishJSON(v any)
}

// InvalidOutboxEvent reports the violations found in one outbox.
type InvalidOutboxEvent struct {
	Type       string                  `json:"type"`
	AgentID    string                  `json:"agent_id"`
	Violations outbox.ValidationErrors `json:"violations"`
	At         models.Timestamp        `json:"at"`
}

// runSweeper validates every outbox each interval until ctx ends.
func runSweeper(ctx context.Context, interval time.Duration, a auditor, pub publisher, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, a, pub, log)
		}
	}
}

// sweep validates every registered outbox once and returns how many were invalid.
func sweep(ctx context.Context, a auditor, pub publisher, log *slog.Logger) int {
	agents, err := a.ListAgents(ctx)
	if err != nil {
		log.Error("sweep list agents failed", "err", err)
		return 0
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		invalid int
	)
	sem := make(chan struct{}, sweepConcurrency)
	for _, id := range agents {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return invalid
		}
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			defer func() { <-sem }()

			errs, err := a.ValidateOutbox(ctx, agentID)
			if err != nil {
				if !outbox.IsNotFound(err) {
					log.Warn("sweep validate failed", "agent_id", agentID, "err", err)
				}
				return
			}
			if len(errs) == 0 {
				return
			}
			log.Warn("outbox invalid", "agent_id", agentID, "violations", len(errs))
			pub.PublishJSON(InvalidOutboxEvent{
				Type:       EventOutboxInvalid,
				AgentID:    agentID,
				Violations: errs,
				At:         models.Now(),
			})
			mu.Lock()
			invalid++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return invalid
}
