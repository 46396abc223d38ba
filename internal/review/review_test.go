package review

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankittk/taskcoord/internal/coord"
	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/pkg/models"
)

func setup(t *testing.T) *coord.Service {
	t.Helper()
	st, err := store.OpenFile(filepath.Join(t.TempDir(), "outboxes"), store.FileOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := coord.New(st)
	ctx := context.Background()
	for _, a := range []models.AgentSpec{
		{AgentID: "CA", AgentName: "Coder A", AgentType: models.AgentTypeAI, Expertise: []string{"go", "ui"}},
		{AgentID: "CB", AgentName: "Coder B", AgentType: models.AgentTypeAI, Expertise: []string{"go", "ui"}},
		{AgentID: "ARCH", AgentName: "Architect", AgentType: models.AgentTypeHuman, Expertise: []string{"design"}},
	} {
		_, err := svc.CreateAgent(ctx, a)
		require.NoError(t, err)
	}
	return svc
}

func readyTask(t *testing.T, svc *coord.Service, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateTask(ctx, "CA", models.TaskSpec{TaskID: id, Title: id})
	require.NoError(t, err)
	for _, st := range []models.Status{models.StatusInProgress, models.StatusReadyForReview} {
		_, err := svc.TransitionTask(ctx, "CA", id, st)
		require.NoError(t, err)
	}
}

func TestSubmit_Approve(t *testing.T) {
	t.Parallel()
	svc := setup(t)
	readyTask(t, svc, "T1")

	res, err := Submit(context.Background(), svc, "CA", "T1", Approve, Decision{Summary: "lgtm"})
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, models.StatusCompleted, res.Entry.Status)
	assert.Equal(t, "ARCH", res.Entry.ReviewedBy, "humans are preferred reviewers")
	assert.Equal(t, "lgtm", res.Entry.Summary)

	o, err := svc.GetAgentOutbox(context.Background(), "CA")
	require.NoError(t, err)
	assert.Empty(t, o.Tasks)
	assert.Equal(t, 1, o.Metadata.TotalTasksCompleted)

	_, err = Submit(context.Background(), svc, "CA", "T1", Approve, Decision{Reviewer: "ARCH"})
	assert.True(t, outbox.IsPrecondition(err))
}

func TestSubmit_ChangesRequested(t *testing.T) {
	t.Parallel()
	svc := setup(t)
	readyTask(t, svc, "T1")

	res, err := Submit(context.Background(), svc, "CA", "T1", ChangesRequested, Decision{Reviewer: "CB"})
	require.NoError(t, err)
	assert.Nil(t, res.Entry)
	assert.Equal(t, models.StatusInProgress, res.Task.Status)

	_, err = Submit(context.Background(), svc, "CA", "T1", Approve, Decision{Reviewer: "CB"})
	assert.True(t, outbox.IsInvalidTransition(err), "approval requires ready_for_review")
}

func TestSubmit_RejectArchivesAsFailed(t *testing.T) {
	t.Parallel()
	svc := setup(t)
	readyTask(t, svc, "T1")

	res, err := Submit(context.Background(), svc, "CA", "T1", Reject, Decision{Reviewer: "ARCH", Summary: "wrong approach"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Entry.Status)

	o, err := svc.GetAgentOutbox(context.Background(), "CA")
	require.NoError(t, err)
	assert.Equal(t, 0, o.Metadata.TotalTasksCompleted)
	assert.Len(t, o.History, 1)
}

func TestSubmit_RetriesAfterInterruptedApproval(t *testing.T) {
	t.Parallel()
	svc := setup(t)
	readyTask(t, svc, "T1")
	_, err := svc.TransitionTask(context.Background(), "CA", "T1", models.StatusCompleted)
	require.NoError(t, err)

	res, err := Submit(context.Background(), svc, "CA", "T1", Approve, Decision{Reviewer: "ARCH"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Entry.Status)
}

func TestSubmit_UnknownTask(t *testing.T) {
	t.Parallel()
	svc := setup(t)
	_, err := Submit(context.Background(), svc, "CA", "nope", Approve, Decision{Reviewer: "ARCH"})
	assert.True(t, outbox.IsNotFound(err))
}

func TestPickReviewer(t *testing.T) {
	t.Parallel()
	svc := setup(t)
	ctx := context.Background()
	r, err := PickReviewer(ctx, svc, "CA")
	require.NoError(t, err)
	assert.Equal(t, "ARCH", r)
	r, err = PickReviewer(ctx, svc, "ARCH")
	require.NoError(t, err)
	assert.Equal(t, "CA", r)
}

func TestParseOutcome(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Outcome{"approve": Approve, "changes": ChangesRequested, "rejected": Reject} {
		got, err := ParseOutcome(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOutcome("maybe")
	assert.Error(t, err)
}
