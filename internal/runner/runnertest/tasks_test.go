package runnertest

import (
	"context"
	"testing"

	"github.com/steveyegge/orchestrate/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exitCodes(t *testing.T, tasks *Tasks, itemID string, n int) []int {
	t.Helper()
	var codes []int
	for i := 0; i < n; i++ {
		res, err := tasks.Run(context.Background(), runner.Task{ItemID: itemID, Kind: runner.TaskImplement})
		require.NoError(t, err)
		codes = append(codes, res.ExitCode)
	}
	return codes
}

func TestExitQueueDrains(t *testing.T) {
	tasks := New()
	tasks.Exit("1", 1)
	assert.Equal(t, []int{1, 0, 0}, exitCodes(t, tasks, "1", 3))

	tasks.Exit("1", 2, 0)
	assert.Equal(t, []int{2, 0}, exitCodes(t, tasks, "1", 2), "codes queued later are not shadowed")
}

func TestDefaultExitApplies(t *testing.T) {
	tasks := New()
	tasks.SetDefaultExit("1", 3)
	tasks.Exit("1", 0)
	assert.Equal(t, []int{0, 3, 3}, exitCodes(t, tasks, "1", 3))
	assert.Equal(t, []int{0}, exitCodes(t, tasks, "2", 1))
	assert.Equal(t, 4, len(tasks.Calls()))
}
