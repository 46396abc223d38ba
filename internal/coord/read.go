package coord

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/progress"
	"github.com/ankittk/taskcoord/pkg/models"
)

// GetAgentOutbox returns a consistent snapshot of agentID's outbox. The caller owns
// the returned value.
func (s *Service) GetAgentOutbox(ctx context.Context, agentID string) (o *models.Outbox, err error) {
	op := outbox.OpGetOutbox
	defer func() { s.finish(ctx, op, agentID, err) }()
	return s.snapshot(ctx, op, agentID)
}

func (s *Service) snapshot(ctx context.Context, op, agentID string) (*models.Outbox, error) {
	unlock, err := s.acquire(ctx, op, agentID, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	o, err := s.store.Get(ctx, agentID)
	if err != nil {
		return nil, s.storeErr(op, agentID, err)
	}
	return o, nil
}

// ValidateOutbox re-checks the stored outbox and returns every violation found.
// It never changes stored state. The error is non-nil only when the outbox could
// not be read.
func (s *Service) ValidateOutbox(ctx context.Context, agentID string) (errs outbox.ValidationErrors, err error) {
	op := outbox.OpValidateOutbox
	defer func() { s.finish(ctx, op, agentID, err) }()

	o, err := s.snapshot(ctx, op, agentID)
	if err != nil {
		return nil, err
	}
	errs = outbox.Validate(o).WithOp(op, agentID)
	if errs == nil {
		errs = outbox.ValidationErrors{}
	}
	return errs, nil
}

// ComputeSprintProgress aggregates the outboxes of agentIDs. Duplicate ids are
// ignored; an empty set yields an all-zero report.
func (s *Service) ComputeSprintProgress(ctx context.Context, agentIDs []string) (p *models.SprintProgress, err error) {
	op := outbox.OpSprintProgress
	defer func() { s.finish(ctx, op, "", err) }()

	snaps, err := s.snapshots(ctx, op, dedupe(agentIDs), false)
	if err != nil {
		return nil, err
	}
	return progress.Compute(snaps, s.now()), nil
}

// ComputeAllProgress aggregates every registered agent.
func (s *Service) ComputeAllProgress(ctx context.Context) (*models.SprintProgress, error) {
	ids, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return s.ComputeSprintProgress(ctx, ids)
}

// TaskCounts returns the number of tasks per status across all agents.
func (s *Service) TaskCounts(ctx context.Context) (map[string]int64, error) {
	ids, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := s.snapshots(ctx, outbox.OpSprintProgress, ids, true)
	if err != nil {
		return nil, err
	}
	return progress.StatusCounts(snaps), nil
}

// snapshots loads the given outboxes concurrently, each under its own shared lock,
// in the order of ids. With skipMissing, agents removed since listing are dropped.
func (s *Service) snapshots(ctx context.Context, op string, ids []string, skipMissing bool) ([]*models.Outbox, error) {
	out := make([]*models.Outbox, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			o, err := s.snapshot(gctx, op, id)
			if err != nil {
				if skipMissing && outbox.IsNotFound(err) {
					return nil
				}
				return err
			}
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := out[:0]
	for _, o := range out {
		if o != nil {
			res = append(res, o)
		}
	}
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
