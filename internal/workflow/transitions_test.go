package workflow

import (
	"testing"

	"github.com/ankittk/taskcoord/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition_Table(t *testing.T) {
	t.Parallel()
	permitted := map[[2]models.Status]bool{
		{models.StatusPending, models.StatusInProgress}:        true,
		{models.StatusPending, models.StatusBlocked}:           true,
		{models.StatusInProgress, models.StatusReadyForReview}: true,
		{models.StatusInProgress, models.StatusBlocked}:        true,
		{models.StatusInProgress, models.StatusFailed}:         true,
		{models.StatusBlocked, models.StatusInProgress}:        true,
		{models.StatusBlocked, models.StatusFailed}:            true,
		{models.StatusReadyForReview, models.StatusCompleted}:  true,
		{models.StatusReadyForReview, models.StatusInProgress}: true,
		{models.StatusReadyForReview, models.StatusFailed}:     true,
	}
	for _, from := range models.Statuses {
		for _, to := range models.Statuses {
			want := permitted[[2]models.Status{from, to}]
			assert.Equalf(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.Len(t, Edges(), len(permitted))
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	t.Parallel()
	assert.False(t, CanTransition("done", models.StatusInProgress))
	assert.False(t, CanTransition(models.StatusPending, "done"))
	assert.Empty(t, Allowed("done"))
	assert.False(t, IsTerminal("done"))
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTerminal(models.StatusCompleted))
	assert.True(t, IsTerminal(models.StatusFailed))
	assert.False(t, IsTerminal(models.StatusBlocked))
	assert.Equal(t, models.StatusPending, Initial())
}

func TestAllowed_ReturnsCopy(t *testing.T) {
	t.Parallel()
	a := Allowed(models.StatusPending)
	a[0] = models.StatusFailed
	assert.Equal(t, []models.Status{models.StatusInProgress, models.StatusBlocked}, Allowed(models.StatusPending))
}
