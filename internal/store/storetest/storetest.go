// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/pkg/models"
)

// Open returns a fresh, empty store for one subtest.
type Open func(t *testing.T) store.Store

// NewOutbox returns a valid, empty outbox for agentID.
func NewOutbox(agentID string) *models.Outbox {
	return outbox.NewOutbox(models.AgentSpec{
		AgentID:   agentID,
		AgentName: "Agent " + agentID,
		AgentType: models.AgentTypeAI,
	}, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
}

func addTask(id string) func(*models.Outbox) error {
	return func(o *models.Outbox) error {
		o.Tasks = append(o.Tasks, models.Task{
			TaskID:    id,
			Title:     "task " + id,
			Status:    models.StatusPending,
			Priority:  models.PriorityMedium,
			CreatedAt: models.NewTimestamp(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		})
		return nil
	}
}

// Run exercises the Store contract against the implementation returned by open.
func Run(t *testing.T, open Open) {
	t.Run("CreateGet", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		want := NewOutbox("CA")
		require.NoError(t, s.Create(ctx, want))

		got, err := s.Get(ctx, "CA")
		require.NoError(t, err)
		assert.Equal(t, want, got)

		require.ErrorIs(t, s.Create(ctx, NewOutbox("CA")), store.ErrExists)
		_, err = s.Get(ctx, "nobody")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("GetReturnsPrivateCopy", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewOutbox("CA")))
		a, err := s.Get(ctx, "CA")
		require.NoError(t, err)
		a.AgentName = "mutated"
		b, err := s.Get(ctx, "CA")
		require.NoError(t, err)
		assert.Equal(t, "Agent CA", b.AgentName)
	})

	t.Run("Update", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewOutbox("CA")))
		require.NoError(t, s.Update(ctx, "CA", addTask("T1")))

		got, err := s.Get(ctx, "CA")
		require.NoError(t, err)
		require.Len(t, got.Tasks, 1)
		assert.Equal(t, "T1", got.Tasks[0].TaskID)

		require.ErrorIs(t, s.Update(ctx, "nobody", addTask("T1")), store.ErrNotFound)
	})

	t.Run("UpdateErrorLeavesRecordUntouched", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewOutbox("CA")))
		boom := errors.New("boom")
		err := s.Update(ctx, "CA", func(o *models.Outbox) error {
			_ = addTask("T1")(o)
			o.AgentName = "changed"
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, "CA")
		require.NoError(t, err)
		assert.Empty(t, got.Tasks)
		assert.Equal(t, "Agent CA", got.AgentName)
	})

	t.Run("List", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
		for _, id := range []string{"CB", "ARCH", "CA"} {
			require.NoError(t, s.Create(ctx, NewOutbox(id)))
		}
		ids, err = s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"ARCH", "CA", "CB"}, ids)
	})

	t.Run("ConcurrentUpdatesAreSerialized", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewOutbox("CA")))

		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.Update(ctx, "CA", addTask(fmt.Sprintf("T%d", i)))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		got, err := s.Get(ctx, "CA")
		require.NoError(t, err)
		assert.Len(t, got.Tasks, n)
	})
}
